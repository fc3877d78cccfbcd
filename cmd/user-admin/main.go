package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/INLOpen/nexusdb/auth"
	"golang.org/x/term"
)

// passwordPrompt reads one password after printing prompt.
type passwordPrompt func(prompt string) (string, error)

// terminalPrompt reads without echo from a terminal, or a plain line when
// stdin is piped.
func terminalPrompt(out io.Writer) passwordPrompt {
	stdin := bufio.NewReader(os.Stdin)
	return func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			return string(b), err
		}
		line, err := stdin.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

func main() {
	if err := runCommand(os.Args[1:], os.Stdout, terminalPrompt(os.Stdout)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: user-admin <command> [arguments]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  add    - Add a new user")
	fmt.Fprintln(w, "  passwd - Change a user's password")
	fmt.Fprintln(w, "  list   - List all users")
	fmt.Fprintln(w, "  delete - Delete a user")
	fmt.Fprintln(w, "\nUse 'user-admin <command> -h' for more information on a specific command.")
}

func runCommand(args []string, out io.Writer, prompt passwordPrompt) error {
	if len(args) < 1 {
		printUsage(out)
		return errors.New("no command given")
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(out)
	file := fs.String("file", "users.db", "Path to the user database file.")
	username := fs.String("username", "", "User name.")
	role := fs.String("role", auth.RoleReader, "Role for the new user (reader, writer or admin).")

	switch args[0] {
	case "add", "passwd", "list", "delete":
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if args[0] != "list" && *username == "" {
		fs.Usage()
		return errors.New("-username is required")
	}

	switch args[0] {
	case "add":
		return handleAdd(out, prompt, *file, *username, *role)
	case "passwd":
		return handlePasswd(out, prompt, *file, *username)
	case "delete":
		return handleDelete(out, *file, *username)
	default:
		return handleList(out, *file)
	}
}

// readNewPassword asks twice and rejects empty or mismatched input.
func readNewPassword(prompt passwordPrompt) (string, error) {
	password, err := prompt("Enter password: ")
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	confirm, err := prompt("Confirm password: ")
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

func handleAdd(out io.Writer, prompt passwordPrompt, file, username, role string) error {
	if !auth.ValidRole(role) {
		return fmt.Errorf("-role must be one of %s, %s, %s", auth.RoleReader, auth.RoleWriter, auth.RoleAdmin)
	}
	users, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	if _, exists := users[username]; exists {
		return fmt.Errorf("user '%s' already exists", username)
	}
	password, err := readNewPassword(prompt)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	users[username] = auth.UserRecord{Username: username, PasswordHash: hash, Role: role}
	if err := auth.WriteUserFile(file, users); err != nil {
		return err
	}
	fmt.Fprintf(out, "Successfully added user '%s' with role '%s' to %s.\n", username, role, file)
	return nil
}

func handlePasswd(out io.Writer, prompt passwordPrompt, file, username string) error {
	users, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	u, exists := users[username]
	if !exists {
		return fmt.Errorf("user '%s' not found", username)
	}
	password, err := readNewPassword(prompt)
	if err != nil {
		return err
	}
	if u.PasswordHash, err = auth.HashPassword(password); err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	users[username] = u
	if err := auth.WriteUserFile(file, users); err != nil {
		return err
	}
	fmt.Fprintf(out, "Password of '%s' changed.\n", username)
	return nil
}

func handleList(out io.Writer, file string) error {
	users, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "No users found.")
		return nil
	}
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "Users:")
	for _, name := range names {
		fmt.Fprintf(out, "- Username: %s, Role: %s\n", name, users[name].Role)
	}
	return nil
}

func handleDelete(out io.Writer, file, username string) error {
	users, err := auth.ReadUserFile(file)
	if err != nil {
		return err
	}
	if _, exists := users[username]; !exists {
		return fmt.Errorf("user '%s' not found", username)
	}
	delete(users, username)
	if err := auth.WriteUserFile(file, users); err != nil {
		return err
	}
	fmt.Fprintf(out, "Successfully deleted user '%s' from %s.\n", username, file)
	return nil
}
