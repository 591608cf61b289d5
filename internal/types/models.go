// internal/types/models.go
package types

import "time"

// Status is the connection status of a device.
type Status string

const (
	StatusUnresolved   Status = "unresolved"
	StatusIdentifying  Status = "identifying"
	StatusReady        Status = "ready"
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
)

// Device is a snapshot of one known device. Port is empty while the device
// is not attached anywhere.
type Device struct {
	ID           DeviceID  `json:"id"`
	Port         Port      `json:"port,omitempty"`
	Status       Status    `json:"status"`
	CaptureIndex *int      `json:"capture_index,omitempty"`
	LastEvent    time.Time `json:"last_event,omitempty"`
	Recording    bool      `json:"recording"`
}

// PortState is a snapshot of one tracked serial port.
type PortState struct {
	Port    Port     `json:"port"`
	Device  DeviceID `json:"device,omitempty"`
	Status  Status   `json:"status"`
	Present bool     `json:"present"`
}

// SessionIndex is the persisted summary of one logging session.
type SessionIndex struct {
	SessionID    SessionID           `json:"session_id"`
	Experimenter string              `json:"experimenter"`
	Experiment   string              `json:"experiment"`
	Folder       string              `json:"folder"`
	Trigger      string              `json:"trigger"`
	Status       string              `json:"status"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	Rows         map[DeviceID]int    `json:"rows,omitempty"`
	Files        map[DeviceID]string `json:"files,omitempty"`
}

// JournalEntry is one line of a session's event journal.
type JournalEntry struct {
	Seq       int64     `json:"seq"`
	SessionID SessionID `json:"session_id"`
	Message
}
