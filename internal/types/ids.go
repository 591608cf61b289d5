// internal/types/ids.go
package types

import (
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// SessionID identifies one logging session.
type SessionID string

// DeviceID is the firmware-issued device number. It survives reconnects and
// port changes.
type DeviceID string

// Port is an OS-visible serial path. Ports are volatile and may be reused by
// different devices over time.
type Port string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

var unsafeName = regexp.MustCompile(`[<>:"/\\|?*]`)

// SafeName replaces characters that are not allowed in file names.
func SafeName(s string) string {
	return unsafeName.ReplaceAllString(s, "_")
}

// Base returns the last path element of the port, safe for file names.
func (p Port) Base() string {
	return SafeName(filepath.Base(string(p)))
}
