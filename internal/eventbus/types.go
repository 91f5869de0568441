package eventbus

import "time"

type EventType string

const (
	EventLog    EventType = "agent.log"
	EventStatus EventType = "agent.status"
)

// AgentStatus is the coarse status stream consumed by a UI.
type AgentStatus string

const (
	StatusConnecting AgentStatus = "connecting"
	StatusOnline     AgentStatus = "online"
	StatusOffline    AgentStatus = "offline"
	StatusError      AgentStatus = "error"
)

type Event struct {
	Type      EventType   `json:"type"`
	MachineID string      `json:"machine_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Status    AgentStatus `json:"status,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func MachineChannelKey(machineID string) string {
	return "provider:" + machineID + ":events"
}
