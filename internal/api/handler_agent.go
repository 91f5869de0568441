package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	sseBufferSize = 256
	sseKeepAlive  = 30 * time.Second
)

type AgentHandler struct {
	svc AgentService
}

func NewAgentHandler(svc AgentService) *AgentHandler {
	return &AgentHandler{svc: svc}
}

// Start POST /api/v1/agent/start
func (h *AgentHandler) Start(c *gin.Context) {
	var req StartAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	if err := h.svc.Start(req.Token); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusAccepted, AgentResponse{Status: "starting"})
}

// Stop POST /api/v1/agent/stop
func (h *AgentHandler) Stop(c *gin.Context) {
	h.svc.Stop()
	c.JSON(http.StatusOK, AgentResponse{Status: "stopped"})
}

// Status GET /api/v1/status
func (h *AgentHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Snapshot(c.Request.Context()))
}

// StreamEvents GET /api/v1/events
// 通过 SSE 推送 agent 的日志和状态事件
func (h *AgentHandler) StreamEvents(c *gin.Context) {
	eventCh, cancel := h.svc.StreamEvents(sseBufferSize)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 长连接不受 http.Server.WriteTimeout 限制
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("Failed to disable write deadline for SSE", "error", err)
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				MachineID: event.MachineID,
				Text:      event.Text,
				Status:    string(event.Status),
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}
			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			return false

		case <-keepAlive.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
