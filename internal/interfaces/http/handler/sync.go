package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	syncapp "github.com/erp/synccore/internal/application/sync"
	domain "github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/interfaces/http/dto"
)

// SyncService is the orchestrator surface the handler needs
type SyncService interface {
	Submit(ctx context.Context, snapshot *domain.EntitySnapshot) (*syncapp.SubmitResult, error)
	Cancel(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) (*syncapp.SubmitResult, error)
	Query(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) (*syncapp.SubmitResult, error)
	Status(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) (*domain.Binding, error)
	History(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string, filter domain.DocumentFilter) ([]domain.SyncDocument, int64, error)
	Document(ctx context.Context, id uuid.UUID) (*domain.SyncDocument, error)
	MarkSyncRequired(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) error
	Unbind(ctx context.Context, tenantID uuid.UUID, integration domain.IntegrationCode, localRef string) error
}

// SyncHandler handles entity synchronization API endpoints
type SyncHandler struct {
	BaseHandler
	service SyncService
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(service SyncService) *SyncHandler {
	return &SyncHandler{service: service}
}

// SubmitRequest represents a request to push an entity to its remote
// @Description Request body for submitting an entity snapshot
type SubmitRequest struct {
	LocalRef  string         `json:"local_ref" binding:"required,min=1,max=128" example:"invoice-2025-0001"`
	ChainKind string         `json:"chain_kind" binding:"omitempty,max=32" example:"sale"`
	Fields    map[string]any `json:"fields" binding:"required"`
}

// BindingResponse represents an entity binding in responses
// @Description Binding state of a local entity
type BindingResponse struct {
	Integration     string     `json:"integration"`
	LocalRef        string     `json:"local_ref"`
	RemoteID        string     `json:"remote_id,omitempty"`
	SyncRequired    bool       `json:"sync_required"`
	LastRemoteState string     `json:"last_remote_state,omitempty"`
	VersionStamp    int64      `json:"version_stamp"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toBindingResponse(b *domain.Binding) BindingResponse {
	resp := BindingResponse{
		Integration:  b.Integration.String(),
		LocalRef:     b.LocalRef,
		SyncRequired: b.SyncRequired,
		VersionStamp: b.VersionStamp,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
	if b.RemoteID != nil {
		resp.RemoteID = *b.RemoteID
	}
	if b.LastRemoteState != nil {
		resp.LastRemoteState = b.LastRemoteState.String()
	}
	return resp
}

// DocumentResponse represents a submission document in responses
// @Description One outbound submission and its outcome
type DocumentResponse struct {
	ID          string               `json:"id"`
	Operation   string               `json:"operation"`
	Status      string               `json:"status"`
	ChainKind   string               `json:"chain_kind,omitempty"`
	ChainIndex  int64                `json:"chain_index,omitempty"`
	Fingerprint string               `json:"fingerprint,omitempty"`
	Errors      []domain.RemoteError `json:"errors,omitempty"`
	FailReason  string               `json:"fail_reason,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	RespondedAt *time.Time           `json:"responded_at,omitempty"`
	// Payload and Response carry the raw wire bodies; only populated on
	// single-document reads
	Payload  []byte `json:"payload,omitempty"`
	Response []byte `json:"response,omitempty"`
}

func toDocumentResponse(d *domain.SyncDocument, withBodies bool) DocumentResponse {
	resp := DocumentResponse{
		ID:          d.ID.String(),
		Operation:   d.Operation.String(),
		Status:      d.Status.String(),
		ChainKind:   d.ChainKind,
		ChainIndex:  d.ChainIndex,
		Fingerprint: d.Fingerprint,
		Errors:      d.Errors,
		FailReason:  d.FailReason,
		CreatedAt:   d.CreatedAt,
		RespondedAt: d.RespondedAt,
	}
	if withBodies {
		resp.Payload = d.Payload
		resp.Response = d.Response
	}
	return resp
}

func pathIntegration(c *gin.Context) domain.IntegrationCode {
	return domain.IntegrationCode(strings.ToUpper(c.Param("integration")))
}

// Submit godoc
// @Summary      Submit an entity to its remote service
// @Description  Registers an unbound entity or updates a bound one
// @Tags         sync
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        integration path string true "Integration code"
// @Param        request body SubmitRequest true "Entity snapshot"
// @Success      200 {object} dto.Response
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      422 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      502 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /sync/entities/{integration} [post]
func (h *SyncHandler) Submit(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.Submit(c.Request.Context(), &domain.EntitySnapshot{
		TenantID:    tenantID,
		Integration: pathIntegration(c),
		LocalRef:    req.LocalRef,
		ChainKind:   req.ChainKind,
		Fields:      req.Fields,
	})
	h.respondSubmission(c, result, err)
}

// Cancel godoc
// @Summary      Revoke an accepted registration
// @Tags         sync
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        integration path string true "Integration code"
// @Param        local_ref path string true "Local entity reference"
// @Success      200 {object} dto.Response
// @Failure      422 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /sync/entities/{integration}/{local_ref}/cancel [post]
func (h *SyncHandler) Cancel(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	result, err := h.service.Cancel(c.Request.Context(), tenantID, pathIntegration(c), c.Param("local_ref"))
	h.respondSubmission(c, result, err)
}

// Query godoc
// @Summary      Refresh the entity's remote status
// @Tags         sync
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        integration path string true "Integration code"
// @Param        local_ref path string true "Local entity reference"
// @Success      200 {object} dto.Response
// @Router       /sync/entities/{integration}/{local_ref}/query [post]
func (h *SyncHandler) Query(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	result, err := h.service.Query(c.Request.Context(), tenantID, pathIntegration(c), c.Param("local_ref"))
	h.respondSubmission(c, result, err)
}

// respondSubmission renders a submission outcome. A terminal document
// with a business failure still carries data alongside the error code.
func (h *SyncHandler) respondSubmission(c *gin.Context, result *syncapp.SubmitResult, err error) {
	if err == nil {
		h.Success(c, result)
		return
	}
	if result != nil && errors.Is(err, domain.ErrPayloadIncomplete) {
		h.Error(c, dto.GetHTTPStatus(dto.ErrCodePayloadIncomplete), dto.ErrCodePayloadIncomplete, result.FailReason)
		return
	}
	h.HandleError(c, err)
}

// Status godoc
// @Summary      Get the entity's binding state
// @Tags         sync
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        integration path string true "Integration code"
// @Param        local_ref path string true "Local entity reference"
// @Success      200 {object} dto.Response{data=BindingResponse}
// @Failure      404 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /sync/entities/{integration}/{local_ref} [get]
func (h *SyncHandler) Status(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	binding, err := h.service.Status(c.Request.Context(), tenantID, pathIntegration(c), c.Param("local_ref"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toBindingResponse(binding))
}

// HistoryRequest represents history listing filters
type HistoryRequest struct {
	dto.ListRequest
	Operation string `form:"operation" binding:"omitempty,oneof=REGISTER UPDATE CANCEL QUERY"`
	Status    string `form:"status" binding:"omitempty"`
}

// History godoc
// @Summary      List the entity's submission documents
// @Tags         sync
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        integration path string true "Integration code"
// @Param        local_ref path string true "Local entity reference"
// @Param        operation query string false "Filter by operation"
// @Param        status query string false "Filter by document status"
// @Success      200 {object} dto.Response{data=[]DocumentResponse}
// @Router       /sync/entities/{integration}/{local_ref}/documents [get]
func (h *SyncHandler) History(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var req HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}
	req.Normalize()

	filter := domain.DocumentFilter{Page: req.Page, PageSize: req.PageSize}
	if req.Operation != "" {
		op := domain.Operation(req.Operation)
		filter.Operation = &op
	}
	if req.Status != "" {
		status := domain.DocumentStatus(strings.ToUpper(req.Status))
		if !status.IsValid() {
			h.BadRequest(c, "unknown document status")
			return
		}
		filter.Status = &status
	}

	docs, total, err := h.service.History(c.Request.Context(), tenantID, pathIntegration(c), c.Param("local_ref"), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	out := make([]DocumentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentResponse(&docs[i], false))
	}
	h.SuccessWithMeta(c, out, total, req.Page, req.PageSize)
}

// Document godoc
// @Summary      Get one submission document with wire bodies
// @Tags         sync
// @Produce      json
// @Param        id path string true "Document ID"
// @Success      200 {object} dto.Response{data=DocumentResponse}
// @Failure      404 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /sync/documents/{id} [get]
func (h *SyncHandler) Document(c *gin.Context) {
	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid document ID")
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		h.BadRequest(c, "Invalid document ID")
		return
	}

	doc, err := h.service.Document(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toDocumentResponse(doc, true))
}

// MarkModified godoc
// @Summary      Flag the entity as locally modified
// @Tags         sync
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        integration path string true "Integration code"
// @Param        local_ref path string true "Local entity reference"
// @Success      204
// @Router       /sync/entities/{integration}/{local_ref}/modified [post]
func (h *SyncHandler) MarkModified(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	if err := h.service.MarkSyncRequired(c.Request.Context(), tenantID, pathIntegration(c), c.Param("local_ref")); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// Unbind godoc
// @Summary      Clear the entity's remote identifier
// @Description  Allowed only after the remote registration was revoked
// @Tags         sync
// @Produce      json
// @Param        X-Tenant-ID header string true "Tenant ID"
// @Param        integration path string true "Integration code"
// @Param        local_ref path string true "Local entity reference"
// @Success      204
// @Failure      422 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /sync/entities/{integration}/{local_ref}/binding [delete]
func (h *SyncHandler) Unbind(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	if err := h.service.Unbind(c.Request.Context(), tenantID, pathIntegration(c), c.Param("local_ref")); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

var _ SyncService = (*syncapp.Orchestrator)(nil)
