package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const errForbidden = "Forbidden"

// ActionSecret guards the header-authenticated worker endpoint with a
// constant-time comparison of X-Action-Secret. An empty configured
// secret disables the endpoint entirely.
func ActionSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-Action-Secret")
		if secret == "" ||
			subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errForbidden})
			return
		}
		c.Next()
	}
}
