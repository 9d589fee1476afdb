package handler

import (
	"context"
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	syncapp "github.com/erp/synccore/internal/application/sync"
	domain "github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/interfaces/http/dto"
)

// WebhookProcessor is the ingress surface the handler needs
type WebhookProcessor interface {
	Process(ctx context.Context, integration domain.IntegrationCode, headers map[string][]string, body []byte) (syncapp.WebhookOutcome, error)
}

// WebhookHandler receives inbound remote notifications
type WebhookHandler struct {
	BaseHandler
	processor WebhookProcessor
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// WebhookResponse reports how a delivery was handled
// @Description Webhook processing outcome
type WebhookResponse struct {
	Outcome string `json:"outcome"`
}

// Receive godoc
// @Summary      Receive a remote service notification
// @Description  Authenticates the delivery, deduplicates it and confirms the pushed state with an outbound query
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        integration path string true "Integration code"
// @Success      200 {object} dto.Response{data=WebhookResponse}
// @Failure      401 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /webhooks/{integration} [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.BadRequest(c, "unreadable request body")
		return
	}

	outcome, err := h.processor.Process(c.Request.Context(), pathIntegration(c), c.Request.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, syncapp.ErrWebhookUnauthorized):
			h.Unauthorized(c, "delivery authentication failed")
		case errors.Is(err, domain.ErrUnparseableResponse):
			h.Error(c, dto.GetHTTPStatus(dto.ErrCodeInvalidJSON), dto.ErrCodeInvalidJSON, "unparseable delivery body")
		default:
			h.HandleError(c, err)
		}
		return
	}

	h.Success(c, WebhookResponse{Outcome: string(outcome)})
}

var _ WebhookProcessor = (*syncapp.Ingress)(nil)
