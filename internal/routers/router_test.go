package routers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collab/internal/session"
	"collab/internal/store"
)

func setupRouter(t *testing.T) *httptest.Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := session.NewHub(store.NewRedisStore(rdb), zap.NewNop(), 30*time.Second)
	srv := httptest.NewServer(New(zap.NewNop(), hub, "*"))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupRouter(t)

	resp, err := http.Get(srv.URL + "/api/v1/healthz")
	require.NoError(t, err, "health request failed")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := setupRouter(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err, "metrics request failed")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "go_goroutines"), "expected default collectors")
}

func TestTicketEndpointRejectsAnonymous(t *testing.T) {
	srv := setupRouter(t)

	resp, err := http.Post(srv.URL+"/api/v1/ws/ticket", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := setupRouter(t)

	resp, err := http.Get(srv.URL + "/api/v1/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
