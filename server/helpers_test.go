package server

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
	"github.com/INLOpen/nexusdb/query"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testStack is a real engine, catalog and executor behind a Service.
type testStack struct {
	engine *engine.Engine
	exec   *query.Executor
	svc    *Service
	pool   *WorkerPool
}

func newTestStack(t *testing.T, authn auth.Authenticator) *testStack {
	t.Helper()
	e, err := engine.Open(engine.Options{
		DataDir:               t.TempDir(),
		MemtableThreshold:     1 << 20,
		CompactionInterval:    time.Hour,
		DisableAutoCompaction: true,
		WALSyncMode:           core.WALSyncDisabled,
		Metrics:               engine.NewEngineMetrics(false, "server_test_"),
		Logger:                discardLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	x, err := query.NewExecutor(query.Options{Storage: e, Catalog: catalog.NewInMemory(), Logger: discardLogger})
	require.NoError(t, err)

	pool := NewWorkerPool(2, 8, discardLogger)
	pool.Start()
	t.Cleanup(pool.Stop)
	svc, err := NewService(ServiceOptions{
		Runner:        x,
		Storage:       e,
		Authenticator: authn,
		Pool:          pool,
		Logger:        discardLogger,
	})
	require.NoError(t, err)
	return &testStack{engine: e, exec: x, svc: svc, pool: pool}
}

// newTestAuthenticator writes a user file with one user per role. Each
// password is the user name followed by "_pass".
func newTestAuthenticator(t *testing.T) auth.Authenticator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	users := make(map[string]auth.UserRecord)
	for _, role := range []string{auth.RoleReader, auth.RoleWriter, auth.RoleAdmin} {
		hash, err := auth.HashPassword(role + "_pass")
		require.NoError(t, err)
		users[role] = auth.UserRecord{Username: role, PasswordHash: hash, Role: role}
	}
	require.NoError(t, auth.WriteUserFile(path, users))
	authN, err := auth.NewAuthenticator(path, discardLogger)
	require.NoError(t, err)
	return authN
}

func productsTable() *StatementRequest {
	def := "true"
	return &StatementRequest{
		Type:  "create_table",
		Table: "products",
		Schema: []ColumnDef{
			{Name: "id", Type: "INT", PrimaryKey: true},
			{Name: "name", Type: "VARCHAR", Length: 32, NotNull: true},
			{Name: "category", Type: "VARCHAR"},
			{Name: "price", Type: "FLOAT"},
			{Name: "in_stock", Type: "BOOL", Default: &def},
		},
	}
}
