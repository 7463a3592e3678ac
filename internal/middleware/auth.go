package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/auth"
	"github.com/lalith-99/yapstream/internal/models"
)

// Context keys for the values AuthMiddleware stores on gin.Context.
const (
	ContextKeyIdentity = "identity"

	// Browsers cannot set headers on a websocket upgrade, so the token may
	// also arrive as ?access_token=.
	queryToken = "access_token"
)

// AuthMiddleware validates the JWT and stores the caller's identity.
// Requests without a valid token stop here with a 401.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyIdentity, claims.Identity)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if token := c.Query(queryToken); token != "" {
		return token, true
	}
	return "", false
}

// GetIdentity returns the caller's identity, or the zero Identity on
// routes that skipped AuthMiddleware.
func GetIdentity(c *gin.Context) auth.Identity {
	val, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return auth.Identity{}
	}
	id, ok := val.(auth.Identity)
	if !ok {
		return auth.Identity{}
	}
	return id
}

func GetUserID(c *gin.Context) string {
	return GetIdentity(c).UserID
}

func GetParticipant(c *gin.Context) models.Participant {
	return GetIdentity(c).Participant()
}

func IsAdmin(c *gin.Context) bool {
	return GetIdentity(c).Admin
}
