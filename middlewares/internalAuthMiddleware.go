package middlewares

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// InternalAuthMiddleware guards the /internal ops endpoints with a shared
// secret. With INTERNAL_API_SECRET unset the endpoints are disabled entirely.
func InternalAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimSpace(os.Getenv("INTERNAL_API_SECRET"))
		if secret == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			c.Abort()
			return
		}
		provided := strings.TrimSpace(c.Request.Header.Get("X-Internal-Secret"))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
