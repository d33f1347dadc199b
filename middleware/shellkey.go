package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const ShellKeyHeader = "X-Shell-Key"

// ShellKey gates bridge endpoints behind a shared key known only to the
// device shell process. An empty configured key disables the endpoints
// entirely rather than leaving them open.
func ShellKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "bridge disabled"})
			return
		}
		got := c.GetHeader(ShellKeyHeader)
		if got == "" {
			got = c.Query("shell_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
