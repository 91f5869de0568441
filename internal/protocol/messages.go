package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message")
)

const (
	TypeHardwareInfo = "hardware_info"
	TypeHeartbeat    = "heartbeat"

	EventStartJob  = "START_JOB"
	EventCancelJob = "CANCEL_JOB"
)

// HardwareInfo is sent once after every successful connect.
type HardwareInfo struct {
	Type    string  `json:"type"`
	GPUName string  `json:"gpu_name"`
	VRAMGB  float64 `json:"vram_gb"`
}

func NewHardwareInfo(gpuName string, vramGB float64) HardwareInfo {
	return HardwareInfo{Type: TypeHardwareInfo, GPUName: gpuName, VRAMGB: vramGB}
}

type HeartbeatFrame struct {
	Type string `json:"type"`
}

func NewHeartbeat() HeartbeatFrame {
	return HeartbeatFrame{Type: TypeHeartbeat}
}

// Message is an inbound control-channel message: Heartbeat, StartJob or CancelJob.
type Message interface {
	message()
}

type Heartbeat struct{}

type StartJob struct {
	JobID string
	Code  string
}

type CancelJob struct {
	JobID string
}

func (Heartbeat) message() {}
func (StartJob) message()  {}
func (CancelJob) message() {}

type envelope struct {
	Event       string          `json:"event"`
	Type        string          `json:"type"`
	JobID       string          `json:"job_id"`
	Code        json.RawMessage `json:"code"`
	CodePayload json.RawMessage `json:"code_payload"`
}

// Parse decodes one inbound frame. Errors wrap ErrMalformedMessage or ErrUnknownMessage
// and never carry partial messages.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case env.Event == EventStartJob:
		if strings.TrimSpace(env.JobID) == "" {
			return nil, fmt.Errorf("%w: START_JOB without job_id", ErrMalformedMessage)
		}
		raw := env.Code
		if len(raw) == 0 {
			raw = env.CodePayload
		}
		code, err := decodeCode(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: job %s: %v", ErrMalformedMessage, env.JobID, err)
		}
		return StartJob{JobID: env.JobID, Code: code}, nil

	case env.Event == EventCancelJob:
		if strings.TrimSpace(env.JobID) == "" {
			return nil, fmt.Errorf("%w: CANCEL_JOB without job_id", ErrMalformedMessage)
		}
		return CancelJob{JobID: env.JobID}, nil

	case env.Type == TypeHeartbeat:
		return Heartbeat{}, nil

	case env.Event != "":
		return nil, fmt.Errorf("%w: event %q", ErrUnknownMessage, env.Event)
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownMessage, env.Type)
	}
}

// decodeCode accepts the code as a JSON string (the usual case) or as an embedded
// JSON value, which is kept verbatim so the bundle decoder sees the same text.
func decodeCode(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(trimmed), nil
}
