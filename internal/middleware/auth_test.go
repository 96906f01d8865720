package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupTestRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TokenAuth(token))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

// TestTokenAuth 测试 Bearer token 校验
func TestTokenAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "secret-token", "", http.StatusUnauthorized},
		{"wrong scheme", "secret-token", "Basic secret-token", http.StatusUnauthorized},
		{"wrong token", "secret-token", "Bearer nope", http.StatusUnauthorized},
		{"ok", "secret-token", "Bearer secret-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			setupTestRouter(tt.token).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

// TestRegisterPprof 测试 pprof 端点注册
func TestRegisterPprof(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterPprof(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
