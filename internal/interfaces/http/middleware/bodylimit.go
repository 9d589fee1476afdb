package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/erp/synccore/internal/interfaces/http/dto"
)

// BodyLimit caps the request body size. Declared lengths over the cap
// are rejected up front; chunked bodies are cut off at the cap while
// the handler reads them. A non-positive cap disables the check.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				dto.NewErrorResponse("REQUEST_TOO_LARGE", "Request body exceeds the configured size limit"))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
