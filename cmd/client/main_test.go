package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/config"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
	"github.com/INLOpen/nexusdb/query"
	"github.com/INLOpen/nexusdb/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestService runs a real engine behind a Service whose users are
// "writer" (writer_pass) and "admin" (admin_pass).
func newTestService(t *testing.T) (*server.Service, auth.Authenticator) {
	t.Helper()
	e, err := engine.Open(engine.Options{
		DataDir:               t.TempDir(),
		DisableAutoCompaction: true,
		WALSyncMode:           core.WALSyncDisabled,
		Metrics:               engine.NewEngineMetrics(false, "client_test_"),
		Logger:                discardLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	x, err := query.NewExecutor(query.Options{Storage: e, Catalog: catalog.NewInMemory(), Logger: discardLogger})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.db")
	users := map[string]auth.UserRecord{}
	for _, role := range []string{auth.RoleWriter, auth.RoleAdmin} {
		hash, err := auth.HashPassword(role + "_pass")
		require.NoError(t, err)
		users[role] = auth.UserRecord{Username: role, PasswordHash: hash, Role: role}
	}
	require.NoError(t, auth.WriteUserFile(path, users))
	authn, err := auth.NewAuthenticator(path, discardLogger)
	require.NoError(t, err)

	pool := server.NewWorkerPool(2, 8, discardLogger)
	pool.Start()
	t.Cleanup(pool.Stop)
	svc, err := server.NewService(server.ServiceOptions{Runner: x, Storage: e, Authenticator: authn, Pool: pool, Logger: discardLogger})
	require.NoError(t, err)
	return svc, authn
}

const (
	createStmt = `{"type":"create_table","table":"items","schema":[{"name":"id","type":"INTEGER","primary_key":true},{"name":"label","type":"VARCHAR","length":16}]}`
	insertStmt = `{"type":"insert","table":"items","values":[[1,"one"],[2,null]]}`
	selectStmt = `{"type":"select","table":"items","order_by":[{"column":"id"}]}`
)

func TestRun_HTTP(t *testing.T) {
	svc, authn := newTestService(t)
	ts := httptest.NewServer(server.NewHTTPServer(svc, authn, discardLogger).Handler())
	defer ts.Close()

	o := options{addr: ts.URL, username: "writer", password: "writer_pass", timeout: 5 * time.Second}
	var out bytes.Buffer

	o.statement = createStmt
	require.NoError(t, run(o, nil, &out))
	assert.Equal(t, "OK, 0 rows affected\n", out.String())

	out.Reset()
	o.statement = ""
	o.file = "-"
	require.NoError(t, run(o, strings.NewReader(insertStmt), &out))
	assert.Equal(t, "OK, 2 rows affected\n", out.String())

	out.Reset()
	o.file = ""
	o.statement = selectStmt
	require.NoError(t, run(o, nil, &out))
	assert.Equal(t, "id  label\n1   one\n2   NULL\n(2 rows)\n", out.String())

	// Duplicate keys come back as a typed error.
	o.statement = insertStmt
	err := run(o, nil, &out)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, "AlreadyExists", apiErr.Code)
	assert.Equal(t, 409, apiErr.Status)

	// Flush needs an admin.
	o.statement = ""
	o.flush = true
	err = run(o, nil, &out)
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, "PermissionDenied", apiErr.Code)

	out.Reset()
	o.username, o.password = "admin", "admin_pass"
	o.stats = true
	require.NoError(t, run(o, nil, &out))
	assert.Contains(t, out.String(), "Flushed.")
	assert.Contains(t, out.String(), `"engine"`)

	o.password = "wrong"
	err = run(o, nil, &out)
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 401, apiErr.Status)
}

func TestRun_GRPC(t *testing.T) {
	svc, authn := newTestService(t)
	gs, err := server.NewGRPCServer(svc, &config.ServerConfig{}, server.NewAuthInterceptor(authn, discardLogger), discardLogger)
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go gs.Start(lis)
	defer gs.Stop()

	o := options{grpcAddr: lis.Addr().String(), username: "writer", password: "writer_pass", timeout: 5 * time.Second}
	var out bytes.Buffer
	for _, stmt := range []string{createStmt, insertStmt} {
		o.statement = stmt
		require.NoError(t, run(o, nil, &out))
	}
	out.Reset()
	o.statement = selectStmt
	require.NoError(t, run(o, nil, &out))
	assert.Equal(t, "id  label\n1   one\n2   NULL\n(2 rows)\n", out.String())
}

func TestGRPCClient_StatsAndFlush(t *testing.T) {
	svc, authn := newTestService(t)
	gs, err := server.NewGRPCServer(svc, &config.ServerConfig{}, server.NewAuthInterceptor(authn, discardLogger), discardLogger)
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go gs.Start(lis)
	defer gs.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(basicAuthCreds{username: "admin", password: "admin_pass"}))
	require.NoError(t, err)
	defer conn.Close()

	c := newGRPCClient(conn)
	ctx := context.Background()
	require.NoError(t, c.Flush(ctx))
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats, "engine")
	assert.Contains(t, stats, "executor")
}

func TestRun_Arguments(t *testing.T) {
	assert.ErrorIs(t, run(options{}, nil, io.Discard), errNothingToDo)
	err := run(options{statement: "{}", file: "x.json"}, nil, io.Discard)
	assert.ErrorContains(t, err, "mutually exclusive")
	err = run(options{file: filepath.Join(t.TempDir(), "missing.json")}, nil, io.Discard)
	assert.Error(t, err)
}
