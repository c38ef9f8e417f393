package errors

import (
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// UUID format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx (36 characters)
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// validates a UUID string format
func IsValidUUID(id string) bool {
	if id == "" {
		return false
	}

	return uuidRegex.MatchString(strings.ToLower(id))
}

// validates a UUID string and returns 404 if invalid
func ValidateUUID(c *gin.Context, id string, resourceName string) bool {
	if id != "" && !IsValidUUID(id) {
		NotFound(c, resourceName)
		return false
	}

	return true
}

// validates a UUID parameter from the request path, used by /history/:id
// (the /ws upgrade path checks its sessionId query parameter with IsValidUUID)
func ValidatePathUUID(c *gin.Context, paramName string) (string, bool) {
	id := c.Param(paramName)

	if id == "" {
		BadRequest(c, "missing "+paramName, nil)
		return "", false
	}

	if !IsValidUUID(id) {
		NotFound(c, "session")
		return "", false
	}

	return id, true
}
