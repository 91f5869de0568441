package api

import (
	"time"

	"provider/internal/history"
)

type StartAgentRequest struct {
	Token string `json:"token" binding:"required"`
}

type AgentResponse struct {
	Status string `json:"status"`
}

type JobListResponse struct {
	Jobs []*history.Record `json:"jobs"`
}

type CancelJobResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	MachineID string `json:"machine_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
