package reader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/flush"
	"github.com/user/fedlink/internal/link"
	"github.com/user/fedlink/internal/registry"
	"github.com/user/fedlink/internal/state"
	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
)

var errUnplugged = errors.New("device not configured")

type fakeLink struct {
	mu     sync.Mutex
	lines  []string
	hangup bool
	closed bool
}

func (l *fakeLink) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		if l.hangup {
			return "", errUnplugged
		}
		time.Sleep(time.Millisecond)
		return "", nil
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	return line, nil
}
func (l *fakeLink) Write(p []byte) (int, error) { return len(p), nil }
func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	triggers []types.DeviceID
}

func (f *fakeRecorder) Trigger(id types.DeviceID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, id)
	return len(f.triggers) == 1
}

// offlineSink rejects every call so rows stay cached.
type offlineSink struct{}

func (offlineSink) EnsureSheet(context.Context, string, []string) error {
	return errors.New("offline")
}

func (offlineSink) AppendRows(context.Context, string, [][]string) error {
	return errors.New("offline")
}

type fakePulse struct {
	events []telemetry.EventType
}

func (f *fakePulse) Notify(_ types.DeviceID, ev telemetry.EventType) {
	f.events = append(f.events, ev)
}

const (
	sampleFrame  = ",23.1,45,2.1,FR1,7,3.7,120,1,Pellet,Right,3,4,2,0,1.2,30.5,0.8"
	shortFrame   = ",23.1,45,2.1,FR1,7,3.7,120,1,Pellet,Right,3,4,2,0,1.2"
	leftFrame    = ",23.1,45,2.1,FR1,7,3.7,120,1,Left,Left,3,4,2,0,1.2,30.5,0.8"
	jamFrame     = ",23.1,45,2.1,FR1,7,3.7,120,1,JAM,Left,3,4,2,0,1.2,30.5,0.8"
	otherDevice  = ",23.1,45,2.1,FR1,9,3.7,120,1,Right,Right,3,4,2,0,1.2,30.5,0.8"
	testTrigger  = telemetry.TriggerPellet
	connectDelay = time.Millisecond
)

type harness struct {
	reg      *registry.Registry
	buf      *state.RowBuffer
	pipeline *flush.Pipeline
	rec      *fakeRecorder
	pulse    *fakePulse
	reader   *Reader
}

func newHarness(open types.Opener) *harness {
	b := bus.New(100)
	h := &harness{
		reg:      registry.New(b),
		buf:      state.NewRowBuffer(),
		pipeline: flush.New(offlineSink{}, flush.DefaultRetryPolicy(nil), 1, b),
		rec:      &fakeRecorder{},
		pulse:    &fakePulse{},
	}
	h.reader = New(open, h.reg, b, Sinks{
		Buffer:   h.buf,
		Pipeline: h.pipeline,
		Recorder: h.rec,
		Pulse:    h.pulse,
	}, Config{Trigger: testTrigger, ConnectAttempts: 2, ConnectDelay: connectDelay})
	return h
}

func TestRunAcceptsSchemaFrame(t *testing.T) {
	l := &fakeLink{lines: []string{sampleFrame, shortFrame, leftFrame}, hangup: true}
	h := newHarness(func(types.Port) (types.Link, error) { return l, nil })
	h.reg.Bind("A", "7")

	err := h.reader.Run(context.Background(), "A", "7")
	if !errors.Is(err, errUnplugged) {
		t.Fatalf("expected link error, got %v", err)
	}

	if n := h.buf.Len("7"); n != 2 {
		t.Errorf("expected 2 buffered rows (malformed dropped), got %d", n)
	}
	if n := h.pipeline.Pending("7"); n != 2 {
		t.Errorf("expected 2 cached rows, got %d", n)
	}
	if len(h.rec.triggers) != 1 || h.rec.triggers[0] != "7" {
		t.Errorf("expected one recording trigger for device 7, got %v", h.rec.triggers)
	}
	if len(h.pulse.events) != 2 {
		t.Errorf("expected 2 pulse notifications, got %v", h.pulse.events)
	}
	if status, _ := h.reg.Status("7"); status != types.StatusDisconnected {
		t.Errorf("expected disconnected after link error, got %q", status)
	}
	if !l.closed {
		t.Error("expected link closed")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := &fakeLink{}
	h := newHarness(func(types.Port) (types.Link, error) { return l, nil })
	h.reg.Bind("A", "7")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reader.Run(ctx, "A", "7") }()

	deadline := time.Now().Add(time.Second)
	for {
		if status, _ := h.reg.Status("7"); status == types.StatusActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reader never became active")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader did not observe cancellation")
	}
	if status, _ := h.reg.Status("7"); status != types.StatusReady {
		t.Errorf("expected ready after session stop, got %q", status)
	}
}

func TestRunRebindsOnDifferentDevice(t *testing.T) {
	l := &fakeLink{lines: []string{otherDevice}, hangup: true}
	h := newHarness(func(types.Port) (types.Link, error) { return l, nil })
	h.reg.Bind("A", "7")

	h.reader.Run(context.Background(), "A", "7")

	if id, _ := h.reg.Lookup("A"); id != "9" {
		t.Errorf("expected A rebound to 9, got %q", id)
	}
	if h.buf.Len("9") != 1 || h.buf.Len("7") != 0 {
		t.Error("expected the row attributed to the new identity")
	}
}

func TestRunMigratedIdentityKeepsAttribution(t *testing.T) {
	l := &fakeLink{lines: []string{sampleFrame}, hangup: true}
	h := newHarness(func(types.Port) (types.Link, error) { return l, nil })
	h.reg.Bind("A", "7")
	h.reg.Bind("B", "7")

	h.reader.Run(context.Background(), "B", "7")

	if port, _ := h.reg.LookupPort("7"); port != "B" {
		t.Errorf("expected lookup_port(7) == B, got %q", port)
	}
	if h.buf.Len("7") != 1 {
		t.Errorf("expected the row read on B attributed to 7, got %d", h.buf.Len("7"))
	}
}

func TestRunJamSendsSyntheticRow(t *testing.T) {
	l := &fakeLink{lines: []string{jamFrame}, hangup: true}
	h := newHarness(func(types.Port) (types.Link, error) { return l, nil })
	h.reg.Bind("A", "7")

	h.reader.Run(context.Background(), "A", "7")
	h.pipeline.Wait(context.Background())

	if n := h.pipeline.Pending("7"); n != 2 {
		t.Errorf("expected the row plus a synthetic jam row, got %d", n)
	}
	if len(h.rec.triggers) != 0 {
		t.Error("jam must not trigger a recording")
	}
}

func TestRunConnectRetries(t *testing.T) {
	attempts := 0
	h := newHarness(func(types.Port) (types.Link, error) {
		attempts++
		return nil, errors.New("resource busy")
	})
	h.reg.Bind("A", "7")

	if err := h.reader.Run(context.Background(), "A", "7"); err == nil {
		t.Fatal("expected connect error")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if status, _ := h.reg.Status("7"); status != types.StatusDisconnected {
		t.Errorf("expected disconnected, got %q", status)
	}
}

// answeringLink acknowledges SET_TIME on the read side, interleaved with
// telemetry, like the firmware does.
type answeringLink struct {
	fakeLink
	written []string
}

func (l *answeringLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, string(p))
	if strings.HasPrefix(string(p), "SET_TIME:") {
		l.lines = append(l.lines, leftFrame, "TIME_SET_OK")
	}
	return len(p), nil
}

func TestCommandThroughRunningReader(t *testing.T) {
	l := &answeringLink{}
	h := newHarness(func(types.Port) (types.Link, error) { return l, nil })
	h.reg.Bind("A", "7")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.reader.Run(ctx, "A", "7")
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if status, _ := h.reg.Status("7"); status == types.StatusActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reader never became active")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.reader.Command(context.Background(), "A", link.SyncTimeCommand(time.Now())); err != nil {
		t.Fatalf("command: %v", err)
	}
	l.mu.Lock()
	written := append([]string(nil), l.written...)
	l.mu.Unlock()
	if len(written) != 1 || !strings.HasPrefix(written[0], "SET_TIME:") {
		t.Errorf("unexpected writes %q", written)
	}
	if n := h.buf.Len("7"); n != 1 {
		t.Errorf("expected telemetry read during the command to be kept, got %d rows", n)
	}
}

func TestCommandWithoutReader(t *testing.T) {
	h := newHarness(nil)
	err := h.reader.Command(context.Background(), "B", link.SetModeCommand(2))
	if !errors.Is(err, ErrNotReading) {
		t.Fatalf("expected ErrNotReading, got %v", err)
	}
}
