package types

import "time"

// MessageKind classifies messages produced for the presentation layer.
type MessageKind string

const (
	KindText      MessageKind = "text"
	KindPoke      MessageKind = "poke"
	KindStatus    MessageKind = "status"
	KindMigrated  MessageKind = "migrated"
	KindRecording MessageKind = "recording"
	KindLog       MessageKind = "log"
	KindAlert     MessageKind = "alert"
)

// Message is one item on a device queue or the shared log queue.
type Message struct {
	At     time.Time   `json:"at"`
	Key    string      `json:"key"`
	Device DeviceID    `json:"device,omitempty"`
	Port   Port        `json:"port,omitempty"`
	Kind   MessageKind `json:"kind"`
	Text   string      `json:"text"`
}
