package session

import (
	"time"

	"provider/internal/protocol"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handler receives job control messages from the control channel.
type Handler interface {
	HandleDispatch(msg protocol.StartJob) error
	Cancel(jobID string) bool
}

type Config struct {
	WSURL             string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	Policy            ReconnectPolicy
}
