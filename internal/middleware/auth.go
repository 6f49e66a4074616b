package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Auth guards the API surface with the shared password. The key may arrive
// as a Bearer token, an x-goog-api-key or x-api-key header, or a ?key=
// query parameter. A missing key is 401, a wrong one 403.
//
// When passwordHash is set it holds a bcrypt hash and takes precedence over
// the plaintext password.
func Auth(password, passwordHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing authorization", "type": "authentication_error"},
			})
			return
		}
		if !keyMatches(key, password, passwordHash) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"message": "invalid api key", "type": "authentication_error"},
			})
			return
		}
		c.Next()
	}
}

func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			return strings.TrimSpace(token)
		}
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	return c.Query("key")
}

func keyMatches(key, password, passwordHash string) bool {
	if passwordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(password)) == 1
}
