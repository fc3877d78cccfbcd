package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/INLOpen/nexusdb/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func localListener(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestAppServer_StartStop(t *testing.T) {
	authn := auth.NewNonAuthenticator()
	st := newTestStack(t, authn)
	cfg := config.Default()
	cfg.Server.ShutdownTimeout = "2s"
	cfg.Debug.MonitorUIEnabled = false

	collector := NewSystemCollector(t.TempDir(), time.Hour, discardLogger)
	svc, err := NewService(ServiceOptions{Runner: st.exec, Storage: st.engine, Authenticator: authn, Collector: collector})
	require.NoError(t, err)
	appServer, err := NewAppServerWithListeners(svc, authn, nil, collector, cfg, discardLogger, Listeners{
		GRPC:  localListener(t),
		HTTP:  localListener(t),
		Debug: localListener(t),
	})
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- appServer.Start() }()

	httpBase := fmt.Sprintf("http://%s", appServer.HTTPAddr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(httpBase + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(appServer.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, health.Status)

	// The collector's first sample shows up in the stats.
	var stats StatsResponse
	resp, err := http.Get(httpBase + "/v1/stats")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.NotNil(t, stats.System)
	assert.False(t, stats.System.SampledAt.IsZero())

	appServer.Stop()
	select {
	case err := <-serverErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	<-appServer.Done()

	_, err = http.Get(httpBase + "/health")
	assert.Error(t, err)
}

func TestAppServer_NothingToServe(t *testing.T) {
	st := newTestStack(t, nil)
	cfg := config.Default()
	cfg.Server.GRPCPort = 0
	cfg.Server.HTTPPort = 0
	cfg.Debug.Enabled = false

	appServer, err := NewAppServer(st.svc, auth.NewNonAuthenticator(), nil, nil, cfg, discardLogger)
	require.NoError(t, err)
	assert.Nil(t, appServer.GRPCAddr())
	assert.Nil(t, appServer.HTTPAddr())
	assert.NoError(t, appServer.Start())
}

func TestDebugServer_Endpoints(t *testing.T) {
	dbg, err := NewDebugServer(&config.DebugConfig{PProfEnabled: true, MetricsEnabled: true, MonitorUIEnabled: true}, discardLogger)
	require.NoError(t, err)
	lis := localListener(t)
	go func() { _ = dbg.Start(lis) }()
	defer dbg.Stop()

	base := "http://" + lis.Addr().String()
	for _, path := range []string{"/metrics", "/debug/pprof/", "/viz/"} {
		require.Eventually(t, func() bool {
			resp, err := http.Get(base + path)
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond, path)
	}
}

func TestSystemCollector_Collect(t *testing.T) {
	sc := NewSystemCollector(t.TempDir(), time.Hour, discardLogger)
	s := sc.Collect()
	assert.False(t, s.SampledAt.IsZero())
	assert.Greater(t, s.DiskFreeBytes, uint64(0))
	assert.Equal(t, s, sc.Last())

	sc.Start()
	sc.Stop()
	sc.Stop()
}
