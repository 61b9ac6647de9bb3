package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/plannr/messaging-service/internal/participants"
)

const (
	// ContextKeyUserID is the gin context key for the calling user ID.
	ContextKeyUserID = "userID"
	// ContextKeyUserName is the gin context key for the caller's display name.
	ContextKeyUserName = "userName"
	// ContextKeyTier is the gin context key for the caller's subscription tier.
	ContextKeyTier = "tier"
)

// Identity headers set by the upstream gateway after authentication.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserTier = "X-User-Tier"
)

// IdentityMiddleware resolves the caller from gateway headers and rejects
// requests that carry no user ID or one unusable as a document field key.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "missing user identity"})
			return
		}
		if !participants.ValidUserID(userID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": "user ID must not contain '.' or start with '$'"})
			return
		}
		c.Set(ContextKeyUserID, userID)
		c.Set(ContextKeyUserName, strings.TrimSpace(c.GetHeader(HeaderUserName)))
		c.Set(ContextKeyTier, strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserTier))))
		c.Next()
	}
}

// GetUserID returns the calling user ID.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetUserName returns the caller's display name, if supplied.
func GetUserName(c *gin.Context) string {
	return c.GetString(ContextKeyUserName)
}

// GetTier returns the caller's subscription tier, if supplied.
func GetTier(c *gin.Context) string {
	return c.GetString(ContextKeyTier)
}
