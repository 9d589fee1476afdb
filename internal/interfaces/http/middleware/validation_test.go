package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/synccore/internal/interfaces/http/dto"
)

func TestHandleValidationError(t *testing.T) {
	SetupValidator()

	type submitRequest struct {
		LocalRef  string         `json:"local_ref" binding:"required,min=1,max=128"`
		ChainKind string         `json:"chain_kind" binding:"omitempty,max=32"`
		Fields    map[string]any `json:"fields" binding:"required"`
	}

	engine := gin.New()
	engine.POST("/submit", func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.JSON(http.StatusOK, dto.NewSuccessResponse(nil))
	})

	t.Run("reports each failing field by wire name", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/submit", strings.NewReader(`{"chain_kind":"sale"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)

		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
		require.Len(t, resp.Error.Details, 2)

		fields := map[string]string{}
		for _, d := range resp.Error.Details {
			fields[d.Field] = d.Message
		}
		assert.Equal(t, "This field is required", fields["local_ref"])
		assert.Equal(t, "This field is required", fields["fields"])
	})

	t.Run("passes a valid request through", func(t *testing.T) {
		body := `{"local_ref":"inv-1","fields":{"total":"100.00"}}`
		req := httptest.NewRequest("POST", "/submit", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("echoes the request identifier", func(t *testing.T) {
		tagged := gin.New()
		tagged.Use(RequestID())
		tagged.POST("/submit", func(c *gin.Context) {
			var req submitRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				HandleValidationError(c, err)
			}
		})

		req := httptest.NewRequest("POST", "/submit", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", "req-42")
		w := httptest.NewRecorder()
		tagged.ServeHTTP(w, req)

		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "req-42", resp.Error.RequestID)
	})
}

func TestValidationMessage(t *testing.T) {
	type requestShape struct {
		Ref   string `validate:"required"`
		ID    string `validate:"omitempty,uuid"`
		Op    string `validate:"omitempty,oneof=REGISTER UPDATE CANCEL QUERY"`
		Name  string `validate:"omitempty,min=3"`
		Token string `validate:"omitempty,max=4"`
	}

	v := validator.New()
	err := v.Struct(requestShape{
		ID:    "not-a-uuid",
		Op:    "DESTROY",
		Name:  "ab",
		Token: "too-long",
	})
	require.Error(t, err)

	want := map[string]string{
		"Ref":   "This field is required",
		"ID":    "Invalid UUID format",
		"Op":    "Must be one of: REGISTER UPDATE CANCEL QUERY",
		"Name":  "Must be at least 3 characters",
		"Token": "Must be at most 4 characters",
	}
	for _, e := range err.(validator.ValidationErrors) {
		if expected, ok := want[e.StructField()]; ok {
			assert.Equal(t, expected, validationMessage(e), e.StructField())
		}
	}
}
