package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyFormField is the multipart/form field that may carry the key when
// the client cannot set headers.
const APIKeyFormField = "api_key"

// ExtractAPIKey returns the raw API key of a request. Lookup order is
// "Authorization: Bearer", "Authorization: ApiKey", X-API-Key, then the
// api_key form field. Empty when none is present.
func ExtractAPIKey(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if len(authHeader) > len(scheme) && strings.EqualFold(authHeader[:len(scheme)], scheme) {
			if key := strings.TrimSpace(authHeader[len(scheme):]); key != "" {
				return key
			}
		}
	}

	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}

	// PostForm parses multipart bodies too
	if c.Request.Method == "POST" {
		return strings.TrimSpace(c.PostForm(APIKeyFormField))
	}
	return ""
}
