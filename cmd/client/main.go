package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/nexusdb/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

type options struct {
	addr      string
	grpcAddr  string
	username  string
	password  string
	statement string
	file      string
	flush     bool
	stats     bool
	timeout   time.Duration
	tls       bool
	caFile    string
}

func main() {
	var o options
	flag.StringVar(&o.addr, "addr", "http://localhost:8088", "Base URL of the HTTP API")
	flag.StringVar(&o.grpcAddr, "grpc", "", "Use the gRPC API at this address instead of HTTP")
	flag.StringVar(&o.username, "username", "", "Username for authentication")
	flag.StringVar(&o.password, "password", "", "Password for authentication")
	flag.StringVar(&o.statement, "e", "", "Statement as JSON")
	flag.StringVar(&o.file, "f", "", "File holding the statement as JSON, or - for stdin")
	flag.BoolVar(&o.flush, "flush", false, "Flush the memtable (admin)")
	flag.BoolVar(&o.stats, "stats", false, "Print server statistics")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Second, "Request timeout")
	flag.BoolVar(&o.tls, "tls", false, "Use TLS for the gRPC connection")
	flag.StringVar(&o.caFile, "cacert", "certs/server.crt", "The CA certificate file to trust")
	flag.Parse()

	if err := run(o, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(o options, stdin io.Reader, out io.Writer) error {
	statement, err := readStatement(o, stdin)
	if err != nil {
		return err
	}
	if statement == nil && !o.flush && !o.stats {
		return errNothingToDo
	}

	var client dbClient
	if o.grpcAddr != "" {
		conn, err := dialGRPC(o)
		if err != nil {
			return err
		}
		defer conn.Close()
		client = newGRPCClient(conn)
	} else {
		client = newHTTPClient(o.addr, o.username, o.password, o.timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if statement != nil {
		res, err := client.Execute(ctx, statement)
		if err != nil {
			return err
		}
		printResult(out, res)
	}
	if o.flush {
		if err := client.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Flushed.")
	}
	if o.stats {
		stats, err := client.Stats(ctx)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
	}
	return nil
}

func readStatement(o options, stdin io.Reader) ([]byte, error) {
	switch {
	case o.statement != "" && o.file != "":
		return nil, fmt.Errorf("-e and -f are mutually exclusive")
	case o.statement != "":
		return []byte(o.statement), nil
	case o.file == "-":
		return io.ReadAll(stdin)
	case o.file != "":
		return os.ReadFile(o.file)
	}
	return nil, nil
}

func dialGRPC(o options) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if o.tls {
		cert, err := os.ReadFile(o.caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(cert) {
			return nil, fmt.Errorf("failed to append CA certificate to pool")
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{RootCAs: certPool})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if o.username != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(basicAuthCreds{username: o.username, password: o.password, secure: o.tls}))
	}
	return grpc.NewClient(o.grpcAddr, opts...)
}

// printResult writes rows as an aligned table, or the affected row count for
// statements that return no rows.
func printResult(out io.Writer, res *server.ResultResponse) {
	if len(res.Columns) == 0 {
		fmt.Fprintf(out, "OK, %d rows affected\n", res.RowsAffected)
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
	fmt.Fprintf(out, "(%d rows)\n", len(res.Rows))
}
