package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/pkg/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-access-secret-key-123456789"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware_Success(t *testing.T) {
	jwtService := jwt.NewService(testSecret, time.Hour)
	router := setupTestRouter()
	userID := uuid.New()

	token, err := jwtService.GenerateAccessToken(userID, []string{jwt.RolePassenger})
	require.NoError(t, err)

	router.GET("/protected", AuthMiddleware(jwtService, testLogger()), func(c *gin.Context) {
		userCtx, exists := GetUserContext(c)
		require.True(t, exists)
		c.JSON(http.StatusOK, gin.H{"user_id": userCtx.UserID})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID.String(), decodeBody(t, w)["user_id"])
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	jwtService := jwt.NewService(testSecret, time.Hour)

	expiredService := jwt.NewService(testSecret, -time.Minute)
	expired, err := expiredService.GenerateAccessToken(uuid.New(), nil)
	require.NoError(t, err)

	foreign, err := jwt.NewService("some-other-secret", time.Hour).GenerateAccessToken(uuid.New(), nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"Missing header", "", "MISSING_AUTH_HEADER"},
		{"Wrong scheme", "Basic abc", "INVALID_AUTH_FORMAT"},
		{"Empty token", "Bearer   ", "INVALID_AUTH_FORMAT"},
		{"Garbage token", "Bearer not-a-token", "INVALID_TOKEN"},
		{"Expired token", "Bearer " + expired, "TOKEN_EXPIRED"},
		{"Wrong secret", "Bearer " + foreign, "INVALID_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupTestRouter()
			router.GET("/protected", AuthMiddleware(jwtService, testLogger()), func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
			})

			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.code, decodeBody(t, w)["code"])
		})
	}
}

func TestRequireRole(t *testing.T) {
	jwtService := jwt.NewService(testSecret, time.Hour)

	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"Admin allowed", []string{jwt.RoleAdmin}, http.StatusOK},
		{"Passenger forbidden", []string{jwt.RolePassenger}, http.StatusForbidden},
		{"No roles forbidden", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupTestRouter()
			router.GET("/admin", AuthMiddleware(jwtService, testLogger()), RequireRole(jwt.RoleAdmin), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			token, err := jwtService.GenerateAccessToken(uuid.New(), tt.roles)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("Without auth middleware", func(t *testing.T) {
		router := setupTestRouter()
		router.GET("/admin", RequireRole(jwt.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

type stubLimiter struct {
	blockAfter int
	calls      int
	lastScope  string
	lastKey    string
}

func (l *stubLimiter) Allow(_ context.Context, scope, key string) (*services.RateLimitDecision, error) {
	l.calls++
	l.lastScope, l.lastKey = scope, key
	remaining := int64(l.blockAfter - l.calls)
	if remaining < 0 {
		return &services.RateLimitDecision{Allowed: false, Limit: l.blockAfter}, &services.RateLimitError{
			Message:    "Too many requests",
			RetryAfter: time.Now().Add(3 * time.Second),
			Type:       scope,
		}
	}
	return &services.RateLimitDecision{Allowed: true, Limit: l.blockAfter, Remaining: remaining}, nil
}

type stubRecorder struct {
	violations int
}

func (r *stubRecorder) LogRateLimitViolation(_ *uuid.UUID, _, _, _, _ string, _ time.Time) error {
	r.violations++
	return nil
}

func TestRateLimit(t *testing.T) {
	limiter := &stubLimiter{blockAfter: 1}
	recorder := &stubRecorder{}

	router := setupTestRouter()
	router.GET("/bookings", RateLimit(limiter, recorder, testLogger()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "ip", limiter.lastScope)
	assert.Equal(t, "203.0.113.7", limiter.lastKey)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "too_many_requests", decodeBody(t, w)["error"])
	assert.Equal(t, 1, recorder.violations)
}

func TestRateLimit_PerUser(t *testing.T) {
	jwtService := jwt.NewService(testSecret, time.Hour)
	limiter := &stubLimiter{blockAfter: 10}
	userID := uuid.New()

	router := setupTestRouter()
	router.GET("/bookings", AuthMiddleware(jwtService, testLogger()), RateLimit(limiter, nil, testLogger()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	token, err := jwtService.GenerateAccessToken(userID, nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user", limiter.lastScope)
	assert.Equal(t, userID.String(), limiter.lastKey)
}

func TestRequestID(t *testing.T) {
	router := setupTestRouter()
	router.Use(RequestID(), RequestLogger(testLogger()))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	generated := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
