package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// scripted answers prompts from a fixed list.
func scripted(answers ...string) passwordPrompt {
	return func(string) (string, error) {
		if len(answers) == 0 {
			return "", errors.New("no more input")
		}
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
}

func TestUserAdmin_Lifecycle(t *testing.T) {
	file := filepath.Join(t.TempDir(), "users.db")
	var out bytes.Buffer

	require.NoError(t, runCommand([]string{"add", "-file", file, "-username", "alice", "-role", "admin"}, &out, scripted("s3cret", "s3cret")))
	require.NoError(t, runCommand([]string{"add", "-file", file, "-username", "bob"}, &out, scripted("pw", "pw")))

	users, err := auth.ReadUserFile(file)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, auth.RoleAdmin, users["alice"].Role)
	assert.Equal(t, auth.RoleReader, users["bob"].Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users["alice"].PasswordHash), []byte("s3cret")))

	out.Reset()
	require.NoError(t, runCommand([]string{"list", "-file", file}, &out, nil))
	assert.Equal(t, "Users:\n- Username: alice, Role: admin\n- Username: bob, Role: reader\n", out.String())

	require.NoError(t, runCommand([]string{"passwd", "-file", file, "-username", "bob"}, &out, scripted("new", "new")))
	users, err = auth.ReadUserFile(file)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users["bob"].PasswordHash), []byte("new")))

	require.NoError(t, runCommand([]string{"delete", "-file", file, "-username", "bob"}, &out, nil))
	users, err = auth.ReadUserFile(file)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestUserAdmin_Errors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "users.db")
	var out bytes.Buffer
	require.NoError(t, runCommand([]string{"add", "-file", file, "-username", "alice"}, &out, scripted("pw", "pw")))

	tests := []struct {
		name   string
		args   []string
		prompt passwordPrompt
		errMsg string
	}{
		{"no command", nil, nil, "no command"},
		{"unknown command", []string{"rename"}, nil, "unknown command"},
		{"missing username", []string{"add", "-file", file}, nil, "-username is required"},
		{"bad role", []string{"add", "-file", file, "-username", "x", "-role", "root"}, nil, "-role must be"},
		{"duplicate", []string{"add", "-file", file, "-username", "alice"}, scripted("a", "a"), "already exists"},
		{"mismatch", []string{"add", "-file", file, "-username", "bob"}, scripted("a", "b"), "do not match"},
		{"empty password", []string{"add", "-file", file, "-username", "bob"}, scripted(""), "must not be empty"},
		{"delete unknown", []string{"delete", "-file", file, "-username", "nobody"}, nil, "not found"},
		{"passwd unknown", []string{"passwd", "-file", file, "-username", "nobody"}, nil, "not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := runCommand(tc.args, &out, tc.prompt)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	users, err := auth.ReadUserFile(file)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestUserAdmin_ListEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runCommand([]string{"list", "-file", filepath.Join(t.TempDir(), "none.db")}, &out, nil))
	assert.Equal(t, "No users found.\n", out.String())
}
