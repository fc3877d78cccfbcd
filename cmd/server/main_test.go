package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusdb/config"
	"github.com/INLOpen/nexusdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestCreateLogger(t *testing.T) {
	logger, closer, err := createLogger(config.LoggingConfig{Level: "debug", Output: "none"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	path := filepath.Join(t.TempDir(), "server.log")
	logger, closer, err = createLogger(config.LoggingConfig{Level: "warn", Output: "file", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"msg":"kept"`)

	_, _, err = createLogger(config.LoggingConfig{Level: "info", Output: "file"})
	assert.Error(t, err)
	_, _, err = createLogger(config.LoggingConfig{Level: "info", Output: "syslog"})
	assert.Error(t, err)
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	cfg := config.Default()
	cfg.Engine.DataDir = dataDir
	cfg.Engine.WAL.SyncMode = "disabled"
	cfg.Engine.Compaction.Disabled = true
	cfg.Server.GRPCPort = 0
	cfg.Server.HTTPPort = freePort(t)
	cfg.Server.ShutdownTimeout = "2s"
	cfg.Debug.Enabled = false
	cfg.SystemMonitor.Enabled = false
	cfg.Logging.Output = "none"
	return cfg
}

// startServer runs the server until the returned stop function is called.
func startServer(t *testing.T, cfg *config.Config) (base string, stop func()) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	quit := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- run(cfg, logger, quit) }()

	base = "http://127.0.0.1:" + strconv.Itoa(cfg.Server.HTTPPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond)

	return base, func() {
		quit <- os.Interrupt
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")
		}
	}
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestRun_ServesAndPersistsAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()

	cfg := testConfig(t, dataDir)
	base, stop := startServer(t, cfg)
	code, body := post(t, base+"/v1/execute", `{"type":"create_table","table":"users","schema":[{"name":"id","type":"INTEGER","primary_key":true},{"name":"name","type":"VARCHAR","length":32}]}`)
	require.Equal(t, http.StatusOK, code, body)
	code, body = post(t, base+"/v1/execute", `{"type":"insert","table":"users","values":[[1,"ada"],[2,"grace"]]}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"rows_affected":2`)
	stop()

	_, err := os.Stat(filepath.Join(dataDir, core.CatalogFileName))
	require.NoError(t, err)

	cfg = testConfig(t, dataDir)
	base, stop = startServer(t, cfg)
	defer stop()
	code, body = post(t, base+"/v1/execute", `{"type":"select","table":"users","order_by":[{"column":"id"}]}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"ada"`)
	assert.Contains(t, body, `"grace"`)
}

func TestBuildContainer_RejectsBadEngineConfig(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Engine.SSTable.Compression = "brotli"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(cfg, logger, make(chan os.Signal))
	assert.Error(t, err)
}
