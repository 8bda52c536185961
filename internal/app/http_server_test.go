package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/orderflow/internal/health"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return addr
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsServer_Probes(t *testing.T) {
	var postgresDown atomic.Bool
	var deadLetters atomic.Int64

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("postgres", healthcheck.NewSimpleChecker("postgres", func(context.Context) error {
		if postgresDown.Load() {
			return errors.New("connection refused")
		}
		return nil
	}))
	healthHandler.RegisterChecker("dead-letter", healthcheck.NewThresholdChecker("dead-letter", 0, func() int {
		return int(deadLetters.Load())
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := freeAddr(t)
	startMetricsServer(ctx, addr, quietLogger(), healthHandler)
	waitForServer(t, addr)

	tests := []struct {
		name        string
		path        string
		deadLetters int64
		down        bool
		wantCode    int
		wantContain string
	}{
		{name: "metrics exposed", path: "/metrics", wantCode: http.StatusOK, wantContain: "go_goroutines"},
		{name: "liveness", path: "/livez", wantCode: http.StatusOK, wantContain: "ok"},
		{name: "healthy report", path: "/healthz", wantCode: http.StatusOK, wantContain: `"status":"healthy"`},
		{name: "dead letters degrade report", path: "/healthz", deadLetters: 3, wantCode: http.StatusOK, wantContain: `"status":"degraded"`},
		{name: "degraded stays ready", path: "/readyz", deadLetters: 3, wantCode: http.StatusOK, wantContain: "ready"},
		{name: "storage outage unhealthy", path: "/healthz", down: true, wantCode: http.StatusServiceUnavailable, wantContain: "connection refused"},
		{name: "storage outage not ready", path: "/readyz", down: true, wantCode: http.StatusServiceUnavailable, wantContain: "not ready"},
		{name: "liveness ignores storage", path: "/livez", down: true, wantCode: http.StatusOK, wantContain: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deadLetters.Store(tt.deadLetters)
			postgresDown.Store(tt.down)

			code, body := get(t, fmt.Sprintf("http://%s%s", addr, tt.path))
			require.Equal(t, tt.wantCode, code)
			require.Contains(t, body, tt.wantContain)
		})
	}
}

func TestMetricsServer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	addr := freeAddr(t)
	srv := startMetricsServer(ctx, addr, quietLogger(), healthcheck.NewHandler("test"))
	require.NotNil(t, srv)
	waitForServer(t, addr)

	cancel()

	require.Eventually(t, func() bool {
		_, err := http.Get(fmt.Sprintf("http://%s/livez", addr))
		return err != nil
	}, 7*time.Second, 50*time.Millisecond)
}

func TestMetricsServer_InvalidAddrDoesNotPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startMetricsServer(ctx, "invalid:address:99999", quietLogger(), healthcheck.NewHandler("test"))
	require.NotNil(t, srv)
	time.Sleep(50 * time.Millisecond)
}

func TestShutdownHTTP(t *testing.T) {
	shutdownHTTP(nil, quietLogger())

	addr := freeAddr(t)
	srv := &http.Server{Addr: addr, Handler: http.NotFoundHandler(), ReadHeaderTimeout: readHeaderTimeout}
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()
	waitForServer(t, addr)

	shutdownHTTP(srv, quietLogger())

	select {
	case err := <-done:
		require.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestIgnoreCanceled(t *testing.T) {
	require.NoError(t, ignoreCanceled(context.Canceled))
	require.NoError(t, ignoreCanceled(fmt.Errorf("wrapped: %w", context.Canceled)))
	require.ErrorIs(t, ignoreCanceled(context.DeadlineExceeded), context.DeadlineExceeded)
}
