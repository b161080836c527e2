package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CasbinMiddleware authorizes session requests against organization scoped
// policies. It must run after JWTMiddleware.
type CasbinMiddleware struct {
	enforcer PermissionChecker
}

func NewCasbinMiddleware(enforcer PermissionChecker) *CasbinMiddleware {
	return &CasbinMiddleware{
		enforcer: enforcer,
	}
}

// RequirePermission allows the request when the user may perform action on
// object in the session's organization. An ":org_id" route parameter, when
// present, must match the session's organization.
func (m *CasbinMiddleware) RequirePermission(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			c.Abort()
			return
		}
		orgID, ok := GetOrganizationID(c)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "session has no organization"})
			c.Abort()
			return
		}
		if param := c.Param("org_id"); param != "" && param != orgID {
			c.JSON(http.StatusForbidden, gin.H{"error": "organization mismatch"})
			c.Abort()
			return
		}

		allowed, err := m.enforcer.Enforce(userID, orgID, object, action)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check permissions"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// MethodAction maps an HTTP method to a policy action.
func MethodAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// Authorize checks object with the action derived from the request method.
func (m *CasbinMiddleware) Authorize(object string) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.RequirePermission(object, MethodAction(c.Request.Method))(c)
	}
}
