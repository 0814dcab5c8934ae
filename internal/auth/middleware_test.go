package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthRouter(t *testing.T, jm *JWTManager, extra ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := append([]gin.HandlerFunc{RequireAuth(jm, zap.NewNop())}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	router.GET("/protected", handlers...)
	return router
}

func TestRequireAuth_AllowsValidToken(t *testing.T) {
	jm := newTestManager(t)
	router := newAuthRouter(t, jm)

	token, err := jm.GenerateToken(context.Background(), "user-123", "dev@example.com", []string{"user"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user-123")
}

func TestRequireAuth_RejectsMissingHeader(t *testing.T) {
	jm := newTestManager(t)
	router := newAuthRouter(t, jm)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_RejectsMalformedHeader(t *testing.T) {
	jm := newTestManager(t)
	router := newAuthRouter(t, jm)

	for _, header := range []string{"Bearer", "Bearer ", "Basic abc", "token"} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestRequireAuth_RejectsTamperedToken(t *testing.T) {
	jm := newTestManager(t)
	router := newAuthRouter(t, jm)

	token, err := jm.GenerateToken(context.Background(), "user-123", "dev@example.com", nil, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalAuth_LetsAnonymousThrough(t *testing.T) {
	jm := newTestManager(t)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/open", OptionalAuth(jm, zap.NewNop()), func(c *gin.Context) {
		_, authed := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"authenticated": authed})
	})

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "false")
}

func TestRequireRole(t *testing.T) {
	jm := newTestManager(t)

	adminToken, err := jm.GenerateToken(context.Background(), "user-1", "admin@example.com", []string{"user", "admin"}, time.Hour)
	require.NoError(t, err)
	userToken, err := jm.GenerateToken(context.Background(), "user-2", "dev@example.com", []string{"user"}, time.Hour)
	require.NoError(t, err)

	router := newAuthRouter(t, jm, RequireRole("admin", zap.NewNop()))

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"admin role passes", adminToken, http.StatusOK},
		{"missing role forbidden", userToken, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
