// internal/types/interfaces.go
package types

import "context"

// Link is an open serial connection to one device.
type Link interface {
	// ReadLine returns the next complete line, or "" with a nil error when
	// the read timeout elapsed without one.
	ReadLine() (string, error)
	Write(p []byte) (int, error)
	Close() error
}

// Opener opens a link on a port.
type Opener func(port Port) (Link, error)

// SessionStore persists session summaries.
type SessionStore interface {
	Create(ctx context.Context, session *SessionIndex) error
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
}

// Journal is an append-only per-session log of device messages.
type Journal interface {
	Append(ctx context.Context, entry *JournalEntry) error
	Tail(ctx context.Context, id SessionID, limit int) ([]*JournalEntry, error)
}
