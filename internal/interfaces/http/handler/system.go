package handler

import (
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erp/synccore/internal/infrastructure/scheduler"
)

// SystemHandler handles system-related API endpoints
type SystemHandler struct {
	BaseHandler
	startTime time.Time
	poller    *scheduler.PollScheduler
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(poller *scheduler.PollScheduler) *SystemHandler {
	return &SystemHandler{
		startTime: time.Now(),
		poller:    poller,
	}
}

// SystemInfoResponse represents the system information response
type SystemInfoResponse struct {
	Name      string `json:"name" example:"Sync Core API"`
	Version   string `json:"version" example:"1.0.0"`
	GoVersion string `json:"go_version" example:"go1.25.5"`
	Uptime    string `json:"uptime" example:"1h30m45s"`
}

// GetSystemInfo godoc
// @Summary      Get system information
// @Tags         system
// @Produce      json
// @Success      200 {object} dto.Response{data=SystemInfoResponse}
// @Router       /system/info [get]
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	h.Success(c, SystemInfoResponse{
		Name:      "Sync Core API",
		Version:   "1.0.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// PingResponse represents the ping response
type PingResponse struct {
	Message   string `json:"message" example:"pong"`
	Timestamp string `json:"timestamp" example:"2026-01-23T12:00:00Z"`
}

// Ping godoc
// @Summary      Ping the API
// @Tags         system
// @Produce      json
// @Success      200 {object} dto.Response{data=PingResponse}
// @Router       /system/ping [get]
func (h *SystemHandler) Ping(c *gin.Context) {
	h.Success(c, PingResponse{
		Message:   "pong",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// PollJobResponse represents one executed poll job
type PollJobResponse struct {
	ID          string     `json:"id"`
	Integration string     `json:"integration"`
	DocumentID  string     `json:"document_id"`
	LocalRef    string     `json:"local_ref"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GetPollHistory godoc
// @Summary      List recently executed status poll jobs
// @Tags         system
// @Produce      json
// @Param        limit query int false "Maximum number of jobs" default(50)
// @Success      200 {object} dto.Response{data=[]PollJobResponse}
// @Router       /system/poll-jobs [get]
func (h *SystemHandler) GetPollHistory(c *gin.Context) {
	limit := 50
	if v, ok := c.GetQuery("limit"); ok {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	jobs := h.poller.GetJobHistory(limit)
	out := make([]PollJobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, PollJobResponse{
			ID:          job.ID.String(),
			Integration: job.Integration.String(),
			DocumentID:  job.DocumentID.String(),
			LocalRef:    job.LocalRef,
			Status:      string(job.Status),
			Error:       job.Error,
			StartedAt:   job.StartedAt,
			CompletedAt: job.CompletedAt,
		})
	}
	h.Success(c, out)
}
