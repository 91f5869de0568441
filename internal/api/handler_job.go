package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type JobHandler struct {
	svc AgentService
}

func NewJobHandler(svc AgentService) *JobHandler {
	return &JobHandler{svc: svc}
}

// ListJobs GET /api/v1/jobs?limit=N
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := h.svc.ListJobs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs})
}

// GetJob GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	rec, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CancelJob DELETE /api/v1/jobs/:id
// 运行中的任务会被终止，排队中的任务直接移出队列
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := h.svc.CancelJob(jobID); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusAccepted, CancelJobResponse{Status: "canceling", JobID: jobID})
}
