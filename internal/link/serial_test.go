package link

import (
	"errors"
	"io"
	"strings"
	"testing"

	"go.bug.st/serial"
)

// chunkPort serves reads from a fixed list of chunks; an exhausted list
// behaves like a read timeout.
type chunkPort struct {
	serial.Port
	chunks []string
	closed bool
}

func (p *chunkPort) Read(b []byte) (int, error) {
	if p.closed {
		return 0, io.EOF
	}
	if len(p.chunks) == 0 {
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	p.chunks[0] = p.chunks[0][n:]
	if p.chunks[0] == "" {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func newTestSerial(chunks ...string) (*Serial, *chunkPort) {
	port := &chunkPort{chunks: chunks}
	return &Serial{port: port, name: "test", buf: make([]byte, 256)}, port
}

func TestReadLineAssemblesPartialReads(t *testing.T) {
	s, _ := newTestSerial(",23.1,45", ",2.1\r\n", "next")

	line, err := s.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if line != ",23.1,45,2.1" {
		t.Errorf("unexpected line %q", line)
	}

	line, err = s.ReadLine()
	if err != nil || line != "" {
		t.Fatalf("expected timeout with partial line kept, got %q %v", line, err)
	}
	if string(s.pending) != "next" {
		t.Errorf("expected partial line kept, got %q", s.pending)
	}
}

func TestReadLineKeepsLineAfterOverlongGarbage(t *testing.T) {
	garbage := strings.Repeat("x", maxLineLength)
	s, _ := newTestSerial(garbage, "yy\n,1,Pellet\n")

	first, err := s.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(first, "yy") {
		t.Errorf("expected the overlong line returned whole, got %d bytes", len(first))
	}
	second, err := s.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if second != ",1,Pellet" {
		t.Errorf("expected the following line intact, got %q", second)
	}
}

func TestReadLineDropsRunawayLine(t *testing.T) {
	s, _ := newTestSerial(strings.Repeat("x", maxLineLength), "x", ",1,Left\n")

	line, err := s.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if line != ",1,Left" {
		t.Errorf("expected the unterminated runaway dropped, got %d bytes", len(line))
	}
}

func TestReadLineReportsLinkLoss(t *testing.T) {
	s, port := newTestSerial()
	port.closed = true
	if _, err := s.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped EOF, got %v", err)
	}
}
