package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"icebreaker/backend/pkg/config"
	"icebreaker/backend/pkg/di"
	"icebreaker/backend/pkg/logger"
)

func newRouter(t *testing.T, tweak func(*config.Config)) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Load()
	cfg.Server.RoomSeed = []string{"lobby=The Lobby"}
	if tweak != nil {
		tweak(cfg)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	container, err := di.New(context.Background(), cfg, db, logger.Nop())
	require.NoError(t, err)

	container.Health.RunChecks(context.Background())

	r := New(container)
	r.AddOpenAPIValidation("../../api/openapi.yaml")
	r.SetupRoutes()
	t.Cleanup(func() {
		r.Close()
		_ = container.Close()
		_ = sqlDB.Close()
	})
	return r
}

func serve(r *Router, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	r := newRouter(t, nil)

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"health", "/health", http.StatusOK, `"status"`},
		{"metrics", "/metrics", http.StatusOK, "icebreaker_http_requests_total"},
		{"rooms", "/api/v1/rooms", http.StatusOK, "The Lobby"},
		{"room", "/api/v1/rooms/lobby", http.StatusOK, "The Lobby"},
		{"join", "/api/v1/rooms/lobby/join", http.StatusOK, "/join?room=lobby"},
		{"schema", "/api/docs/openapi.yaml", http.StatusOK, "Ice Breaker API"},
		{"ws requires token", "/ws/rooms/lobby", http.StatusUnauthorized, "AUTH_REQUIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
			assert.NotEmpty(t, w.Header().Get(logger.RequestIDHeader))
		})
	}
}

func TestAnonymousThenMe(t *testing.T) {
	r := newRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/anonymous", strings.NewReader(`{"handle":"kit"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, jsonDecode(w, &created))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	w = serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handle":"kit"`)
}

func TestOpenAPIValidationRejectsBadBody(t *testing.T) {
	r := newRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/anonymous", strings.NewReader(`{"handle":42}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestCORS(t *testing.T) {
	r := newRouter(t, func(c *config.Config) {
		c.Security.AllowedOrigins = []string{"https://icebreaker.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rooms", nil)
	req.Header.Set("Origin", "https://icebreaker.example")
	w := serve(r, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://icebreaker.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = serve(r, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	r := newRouter(t, func(c *config.Config) {
		c.Security.RateLimit = 0.001
		c.Security.RateLimitBurst = 1
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// health is not limited
	w = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func jsonDecode(w *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(w.Body.Bytes(), v)
}
