package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/flowdeploy-go/pkg/auth/jwt"
)

// Context keys set by JWTMiddleware.
const (
	ContextUserID         = "userId"
	ContextUsername       = "username"
	ContextOrganizationID = "organizationId"
	ContextToken          = "token"
)

// JWTMiddleware validates bearer session tokens and rejects revoked ones.
type JWTMiddleware struct {
	jwtManager  *jwt.Manager
	revocations RevocationChecker
}

func NewJWTMiddleware(jwtManager *jwt.Manager, revocations RevocationChecker) *JWTMiddleware {
	return &JWTMiddleware{
		jwtManager:  jwtManager,
		revocations: revocations,
	}
}

// Handle returns the middleware handler function
func (m *JWTMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		if m.revocations != nil {
			revoked, err := m.revocations.IsRevoked(c.Request.Context(), token)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify session"})
				c.Abort()
				return
			}
			if revoked {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token has been revoked"})
				c.Abort()
				return
			}
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Set(ContextOrganizationID, claims.OrganizationID)
		c.Set(ContextToken, token)

		c.Next()
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	const bearerScheme = "Bearer "
	if len(authHeader) <= len(bearerScheme) || !strings.EqualFold(authHeader[:len(bearerScheme)], bearerScheme) {
		return "", false
	}
	token := strings.TrimSpace(authHeader[len(bearerScheme):])
	return token, token != ""
}

// GetUserID extracts user ID from context
func GetUserID(c *gin.Context) (string, bool) {
	return getString(c, ContextUserID)
}

// GetOrganizationID returns the organization the session is scoped to.
func GetOrganizationID(c *gin.Context) (string, bool) {
	return getString(c, ContextOrganizationID)
}

func GetToken(c *gin.Context) (string, bool) {
	return getString(c, ContextToken)
}

func getString(c *gin.Context, key string) (string, bool) {
	v, exists := c.Get(key)
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
