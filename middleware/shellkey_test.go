package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func shellKeyRouter(key string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ShellKey(key))
	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestShellKey(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		query      string
		want       int
	}{
		{"valid header", "secret", "secret", "", http.StatusOK},
		{"valid query", "secret", "", "secret", http.StatusOK},
		{"wrong key", "secret", "nope", "", http.StatusUnauthorized},
		{"missing key", "secret", "", "", http.StatusUnauthorized},
		{"disabled when unconfigured", "", "anything", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := shellKeyRouter(tt.configured)
			url := "/state"
			if tt.query != "" {
				url += "?shell_key=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set(ShellKeyHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
