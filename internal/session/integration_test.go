//go:build integration

package session_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/delivery"
	"github.com/user/fedlink/internal/flush"
	"github.com/user/fedlink/internal/registry"
	"github.com/user/fedlink/internal/scheduler"
	"github.com/user/fedlink/internal/session"
	"github.com/user/fedlink/internal/state"
	"github.com/user/fedlink/internal/supervisor"
	"github.com/user/fedlink/internal/types"
)

func frame(event string) string {
	return ",23.1,45,2.1,FR1,7,3.7,120,1," + event + ",Right,3,4,2,0,1.2,30.5,0.8"
}

type scriptedLink struct {
	mu    sync.Mutex
	lines []string
}

func (l *scriptedLink) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		time.Sleep(time.Millisecond)
		return "", nil
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	return line, nil
}
func (l *scriptedLink) Write(p []byte) (int, error) { return len(p), nil }
func (l *scriptedLink) Close() error                { return nil }

// bench simulates the USB bus: which ports are present, and what each
// successive open of a port will read.
type bench struct {
	mu      sync.Mutex
	present []types.Port
	opens   map[types.Port][][]string
}

func (b *bench) list() ([]types.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Port(nil), b.present...), nil
}

func (b *bench) open(port types.Port) (types.Link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	if q := b.opens[port]; len(q) > 0 {
		lines, b.opens[port] = q[0], q[1:]
	}
	return &scriptedLink{lines: lines}, nil
}

func (b *bench) plug(port types.Port, opens ...[]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.present = []types.Port{port}
	b.opens[port] = opens
}

type memorySink struct {
	mu   sync.Mutex
	rows map[string]int
}

func (s *memorySink) EnsureSheet(context.Context, string, []string) error { return nil }

func (s *memorySink) AppendRows(_ context.Context, title string, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[title] += len(rows)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := state.NewSessionStore(dir)
	journal := state.NewEventStore(dir)
	b := bus.New(1000)
	reg := registry.New(b)
	sink := &memorySink{rows: make(map[string]int)}
	usb := &bench{opens: make(map[types.Port][][]string)}

	opts := session.DefaultOptions()
	opts.ConnectDelay = time.Millisecond
	ctrl := session.NewController(ctx, session.Deps{
		Registry:  reg,
		Bus:       b,
		Opener:    usb.open,
		Scheduler: scheduler.New(),
		Store:     sessions,
		Sinks: func(context.Context, string, string) (flush.Sink, error) {
			return sink, nil
		},
	}, opts)
	sup := supervisor.New(usb.list, usb.open, reg, b, ctrl, 0)
	defer sup.Stop()

	presenters := delivery.NewRegistry()
	presenters.Register("", func(msg types.Message) error {
		id := ctrl.SessionID()
		if id == "" {
			return nil
		}
		return journal.Append(ctx, &types.JournalEntry{SessionID: id, Message: msg})
	})
	loopDone := make(chan struct{})
	go func() {
		bus.Loop(ctx, b, 5*time.Millisecond, presenters)
		close(loopDone)
	}()

	// Device 7 appears on A: one open to identify, one for the reader.
	readerA := []string{frame("Pellet"), frame("Left")}
	usb.plug("/dev/ttyACM0", []string{frame("Right")}, readerA)
	sup.Reconcile(ctx)
	waitFor(t, "identification on A", func() bool {
		id, ok := reg.Lookup("/dev/ttyACM0")
		return ok && id == "7"
	})

	info, err := ctrl.Start(ctx, session.Params{
		Experimenter:  "ada",
		Experiment:    "fr1",
		OutputDir:     dir,
		Credentials:   "creds.json",
		SpreadsheetID: "sheet",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reader on A", func() bool {
		status, _ := reg.Status("7")
		return status == types.StatusActive
	})

	// Replug on another port: A vanishes, B identifies as the same device.
	time.Sleep(50 * time.Millisecond)
	usb.plug("/dev/ttyACM1", []string{frame("Right")}, []string{frame("Pellet")})
	sup.Reconcile(ctx)
	waitFor(t, "migration to B", func() bool {
		port, _ := reg.LookupPort("7")
		return port == "/dev/ttyACM1"
	})
	waitFor(t, "reader on B", func() bool {
		readers := ctrl.Readers()
		return len(readers) == 1 && readers[0] == "/dev/ttyACM1"
	})

	waitFor(t, "journal entries", func() bool {
		entries, _ := journal.Tail(ctx, info.SessionID, 0)
		logged := 0
		for _, e := range entries {
			if strings.HasPrefix(e.Text, "Data logged") {
				logged++
			}
		}
		return logged == 3
	})

	summary, err := ctrl.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Rows["7"] != 3 {
		t.Errorf("expected 3 rows for device 7 across both ports, got %v", summary.Rows)
	}
	if sink.rows["Device_7"] != 3 {
		t.Errorf("expected 3 replicated rows, got %d", sink.rows["Device_7"])
	}

	cancel()
	<-loopDone

	list, err := sessions.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != "stopped" {
		t.Fatalf("expected one stopped session, got %+v", list)
	}
}
