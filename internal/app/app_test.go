package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/internal/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func TestApp_Run(t *testing.T) {
	a, err := New(t.Context(), testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("run failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("app not ready")
	}

	base := fmt.Sprintf("http://%s", a.HTTPAddr())
	res, err := http.Post(
		base+"/streams/order-42/events",
		"application/json",
		strings.NewReader(`{"expected_version":0,"events":[{"type":"OrderCreated","payload":{}}]}`),
	)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	v, err := a.Store().CurrentVersion(t.Context(), "order-42")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), v)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestApp_Metrics(t *testing.T) {
	a, err := New(t.Context(), testConfig(), nil)
	require.NoError(t, err)

	_, err = a.Store().Append(t.Context(), "order-42", es.NoStream, es.Events("OrderCreated", 3))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `evstore_events_appended_total{backend="memory"} 3`)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Type = "tape"
	_, err := New(t.Context(), cfg, nil)
	require.Error(t, err)
}

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := testConfig().Backend
	cfg.Type = config.BackendSQLite
	cfg.SQLite.Path = t.TempDir() + "/events.db"

	b, err := OpenBackend(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.NewStore(b).Close() })

	v, err := b.CurrentVersion(t.Context(), "order-42")
	require.NoError(t, err)
	require.Equal(t, es.NoStream, v)
}

func TestApp_ListenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Addr = "256.0.0.1:http"
	a, err := New(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.Error(t, a.Run(t.Context()))
}
