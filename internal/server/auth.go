package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the bcrypt hash to put in server.token_hash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// TokenAuth checks "Authorization: Bearer <token>" against a bcrypt hash.
// An empty hash disables the check.
type TokenAuth struct {
	hash []byte
}

func NewTokenAuth(hash string) *TokenAuth {
	return &TokenAuth{hash: []byte(strings.TrimSpace(hash))}
}

func (a *TokenAuth) Enabled() bool { return a != nil && len(a.hash) > 0 }

// GinAuth returns a Gin middleware function for authentication
func (a *TokenAuth) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Invalid credentials",
			})
			return
		}
		c.Next()
	}
}
