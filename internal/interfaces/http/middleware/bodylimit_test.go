package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func bodyLimitEngine(maxBytes int64) *gin.Engine {
	engine := gin.New()
	engine.Use(BodyLimit(maxBytes))
	engine.POST("/submit", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusBadRequest, "body too large")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	return engine
}

func TestBodyLimit(t *testing.T) {
	t.Run("accepts a body under the cap", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/submit", strings.NewReader(`{"local_ref":"inv-1"}`))
		w := httptest.NewRecorder()
		bodyLimitEngine(1024).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects a declared length over the cap", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/submit", strings.NewReader(strings.Repeat("x", 200)))
		req.ContentLength = 200
		w := httptest.NewRecorder()
		bodyLimitEngine(100).ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), "REQUEST_TOO_LARGE")
	})

	t.Run("cuts off an undeclared stream at the cap", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/submit", strings.NewReader(strings.Repeat("x", 200)))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		bodyLimitEngine(50).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("zero cap disables the check", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/submit", strings.NewReader(strings.Repeat("x", 200)))
		req.ContentLength = 200
		w := httptest.NewRecorder()
		bodyLimitEngine(0).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
