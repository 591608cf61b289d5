// Package link wraps the serial connections to the feeding devices.
package link

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/user/fedlink/internal/types"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 100 * time.Millisecond
	maxLineLength      = 4096
)

// Serial is a line-oriented serial link. Reads are bounded by the port's
// read timeout so callers can observe cancellation between reads.
type Serial struct {
	port    serial.Port
	name    types.Port
	buf     []byte
	pending []byte
}

var _ types.Link = (*Serial)(nil)

// Open opens the port with 8N1 framing and the given read timeout.
func Open(name types.Port, baud int, readTimeout time.Duration) (*Serial, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	port, err := serial.Open(string(name), &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return &Serial{
		port: port,
		name: name,
		buf:  make([]byte, 256),
	}, nil
}

// Opener returns a types.Opener bound to the given line settings.
func Opener(baud int, readTimeout time.Duration) types.Opener {
	return func(port types.Port) (types.Link, error) {
		return Open(port, baud, readTimeout)
	}
}

// ReadLine returns the next complete line without its terminator. A read
// that times out before a newline arrives returns "" and keeps the partial
// line for the next call.
func (s *Serial) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(s.pending[:i])
			s.pending = s.pending[i+1:]
			return strings.TrimSpace(line), nil
		}
		n, err := s.port.Read(s.buf)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", s.name, err)
		}
		if n == 0 {
			return "", nil
		}
		s.pending = append(s.pending, s.buf[:n]...)
		// Only a runaway line with no terminator in sight is dropped;
		// anything after a newline starts a line worth keeping.
		if len(s.pending) > maxLineLength && bytes.IndexByte(s.pending, '\n') < 0 {
			s.pending = s.pending[:0]
		}
	}
}

func (s *Serial) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// ListPorts returns the USB serial ports whose vendor and product ids match.
// Empty vid/pid accept any USB serial port.
func ListPorts(vid, pid string) ([]types.Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	var ports []types.Port
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		if vid != "" && !strings.EqualFold(d.VID, vid) {
			continue
		}
		if pid != "" && !strings.EqualFold(d.PID, pid) {
			continue
		}
		ports = append(ports, types.Port(d.Name))
	}
	return ports, nil
}
