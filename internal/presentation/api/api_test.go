package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hilthontt/ephemera/internal/application/coordinator"
	"github.com/hilthontt/ephemera/internal/infrastructure/configs"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/identity"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/metrics"
	"github.com/hilthontt/ephemera/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/ephemera/internal/infrastructure/repository"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
	healthHandler "github.com/hilthontt/ephemera/internal/presentation/handler/health"
	roomHandler "github.com/hilthontt/ephemera/internal/presentation/handler/rooms"
	sessionHandler "github.com/hilthontt/ephemera/internal/presentation/handler/session"
	socketHandler "github.com/hilthontt/ephemera/internal/presentation/handler/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplication(t *testing.T, limiter ratelimiter.Limiter) (*Application, http.Handler) {
	t.Helper()

	cfg := configs.Config{}
	cfg.HTTP.AllowedOrigins = []string{"https://ephemera.example"}

	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	tokens, err := identity.NewTokenService("api-test-secret-0123456789abcdef", time.Hour)
	require.NoError(t, err)
	m := metrics.New("ephemera")
	registry := ws.NewRegistry(bus, logging.NewNopLogger())
	coord := coordinator.New(repository.NewMemoryRoomStore(), bus, registry, tokens, logging.NewNopLogger(),
		coordinator.WithMetrics(m))

	if limiter == nil {
		limiter = ratelimiter.New(ratelimiter.Options{MaxRatePerSecond: 100, MaxBurst: 100})
	}
	t.Cleanup(func() { _ = limiter.Close() })

	app := NewApplication(
		cfg,
		roomHandler.NewHandler(coord, tokens),
		sessionHandler.NewHandler(coord, time.Hour),
		healthHandler.NewHandler(nil),
		socketHandler.NewHandler(coord, tokens, nil, m, logging.NewNopLogger()),
		logging.NewNopLogger(),
		limiter,
		m,
	)
	return app, app.Mount()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMount_OperationalRoutes(t *testing.T) {
	_, h := newTestApplication(t, nil)

	for _, path := range []string{"/health", "/healthz", "/live", "/ready", "/debug/vars"} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	serve(h, httptest.NewRequest(http.MethodGet, "/api/rooms/quiet-sun-1234", nil))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ephemera_http_request_duration_seconds")
	assert.Contains(t, string(body), `route="/api/rooms/{roomId}"`)
}

func TestMount_SessionThenRoom(t *testing.T) {
	_, h := newTestApplication(t, nil)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"name":"Alice"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var session struct {
		Token string `json:"token"`
	}
	require.NoError(t, decode(rec, &session))

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"name":"Standup","maxParticipants":3,"duration":60}`))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rec = serve(h, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMount_RateLimit(t *testing.T) {
	limiter := ratelimiter.New(ratelimiter.Options{MaxRatePerSecond: 1, MaxBurst: 2})
	_, h := newTestApplication(t, limiter)

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/rooms/quiet-sun-1234", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := serve(h, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		}
	}

	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health checks are never limited")
}

func TestMount_Cors(t *testing.T) {
	_, h := newTestApplication(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/session", nil)
	req.Header.Set("Origin", "https://ephemera.example")
	rec := serve(h, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ephemera.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/session", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = serve(h, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestShutdown_RunsEveryHook(t *testing.T) {
	app, _ := newTestApplication(t, nil)
	var order []string
	app.OnShutdown(
		func(context.Context) error { order = append(order, "sockets"); return errors.New("boom") },
		func(context.Context) error { order = append(order, "bus"); return nil },
	)

	err := app.shutdown(context.Background(), &http.Server{})

	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []string{"sockets", "bus"}, order)
}

func decode(rec *httptest.ResponseRecorder, dst any) error {
	return json.NewDecoder(rec.Body).Decode(dst)
}
