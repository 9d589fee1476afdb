package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	domain "github.com/erp/synccore/internal/domain/sync"
)

// CredentialHandler manages per-(integration, mode) remote credentials
type CredentialHandler struct {
	BaseHandler
	store domain.CredentialStore
}

// NewCredentialHandler creates a new CredentialHandler
func NewCredentialHandler(store domain.CredentialStore) *CredentialHandler {
	return &CredentialHandler{store: store}
}

// SetCredentialRequest represents a request to install a credential
// @Description Request body for installing integration credentials
type SetCredentialRequest struct {
	APIKey string `json:"api_key" binding:"omitempty,max=512"`
	Secret string `json:"secret" binding:"omitempty,max=512"`
	// ClientCert and ClientKey are PEM blocks for integrations requiring
	// client-certificate authentication
	ClientCert string `json:"client_cert" binding:"omitempty,max=16384"`
	ClientKey  string `json:"client_key" binding:"omitempty,max=16384"`
	CMCToken   string `json:"cmc_token" binding:"omitempty,max=2048"`
}

// CredentialStatusResponse reports which credential material is present,
// never the material itself
// @Description Credential presence flags
type CredentialStatusResponse struct {
	Integration   string    `json:"integration"`
	Mode          string    `json:"mode"`
	HasAPIKey     bool      `json:"has_api_key"`
	HasSecret     bool      `json:"has_secret"`
	HasClientCert bool      `json:"has_client_cert"`
	HasCMCToken   bool      `json:"has_cmc_token"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func pathMode(c *gin.Context) domain.Mode {
	return domain.Mode(strings.ToUpper(c.Param("mode")))
}

// Set godoc
// @Summary      Install or replace integration credentials
// @Tags         credentials
// @Accept       json
// @Produce      json
// @Param        integration path string true "Integration code"
// @Param        mode path string true "Mode (live, test, demo)"
// @Param        request body SetCredentialRequest true "Credential material"
// @Success      204
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /sync/credentials/{integration}/{mode} [put]
func (h *CredentialHandler) Set(c *gin.Context) {
	integration := pathIntegration(c)
	if !integration.IsValid() {
		h.BadRequest(c, "unknown integration")
		return
	}
	mode := pathMode(c)
	if !mode.IsValid() {
		h.BadRequest(c, "unknown mode")
		return
	}

	var req SetCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	err := h.store.Set(c.Request.Context(), &domain.Credential{
		Integration: integration,
		Mode:        mode,
		APIKey:      req.APIKey,
		Secret:      req.Secret,
		ClientCert:  []byte(req.ClientCert),
		ClientKey:   []byte(req.ClientKey),
		CMCToken:    req.CMCToken,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// Status godoc
// @Summary      Report which credential material is installed
// @Tags         credentials
// @Produce      json
// @Param        integration path string true "Integration code"
// @Param        mode path string true "Mode (live, test, demo)"
// @Success      200 {object} dto.Response{data=CredentialStatusResponse}
// @Failure      404 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /sync/credentials/{integration}/{mode} [get]
func (h *CredentialHandler) Status(c *gin.Context) {
	cred, err := h.store.Get(c.Request.Context(), pathIntegration(c), pathMode(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, CredentialStatusResponse{
		Integration:   cred.Integration.String(),
		Mode:          cred.Mode.String(),
		HasAPIKey:     cred.APIKey != "",
		HasSecret:     cred.Secret != "",
		HasClientCert: cred.HasClientCert(),
		HasCMCToken:   cred.CMCToken != "",
		UpdatedAt:     cred.UpdatedAt,
	})
}
