package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roleplay-chat-demo/backend/conversation/service"
	"roleplay-chat-demo/backend/pkg/config"
	"roleplay-chat-demo/backend/pkg/health"
	"roleplay-chat-demo/backend/pkg/logger"
)

func testRouter(t *testing.T, checker *health.Checker, origins ...string) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.New(logger.Config{Level: "error", Output: io.Discard})
	cfg := &config.Config{}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg.Security.AllowedOrigins = origins
	r := &Router{
		Engine:  gin.New(),
		Feed:    service.NewFeedService(service.Config{Logger: log}),
		Checker: checker,
		Logger:  log,
		Config:  cfg,
	}
	r.SetupRoutes()
	return r
}

func getHealth(r *Router) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHealthEndpointUp(t *testing.T) {
	checker := health.NewChecker(logger.New(logger.Config{Level: "error", Output: io.Discard}))
	checker.RunChecks()
	r := testRouter(t, checker)

	w, body := getHealth(r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "up", body["status"])
	assert.NotEmpty(t, body["components"])
}

func TestHealthEndpointDown(t *testing.T) {
	checker := health.NewChecker(logger.New(logger.Config{Level: "error", Output: io.Discard}))
	checker.RegisterCheck("database", func() (health.Status, string, error) {
		return health.StatusDown, "database unreachable", nil
	})
	checker.RunChecks()
	r := testRouter(t, checker)

	w, body := getHealth(r)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "down", body["status"])
}

func TestHealthEndpointDegraded(t *testing.T) {
	checker := health.NewChecker(logger.New(logger.Config{Level: "error", Output: io.Discard}))
	checker.RegisterCheck("redis", func() (health.Status, string, error) {
		return health.StatusDegraded, "feed relay unreachable", nil
	})
	checker.RunChecks()
	r := testRouter(t, checker)

	// Degraded still serves traffic.
	w, body := getHealth(r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestCORSPreflight(t *testing.T) {
	r := testRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSHonorsConfiguredOrigins(t *testing.T) {
	r := testRouter(t, nil, "http://app.example.com")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://app.example.com")
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	assert.Equal(t, "http://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	w = httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
