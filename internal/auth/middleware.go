package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ContextUsername is the gin context key holding the authenticated username.
const ContextUsername = "username"

// Middleware rejects requests without a valid "Authorization: Bearer" token
// and stores the token subject under ContextUsername.
func Middleware(tokens *Tokens) gin.HandlerFunc {
	if tokens == nil {
		panic("auth: tokens cannot be nil for Middleware")
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			return
		}

		username, err := tokens.Parse(parts[1])
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(ContextUsername, username)
		c.Next()
	}
}

// Username returns the authenticated username set by Middleware.
func Username(c *gin.Context) string {
	return c.GetString(ContextUsername)
}
