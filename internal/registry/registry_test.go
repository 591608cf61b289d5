package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
)

func TestBindMigratesIdentity(t *testing.T) {
	b := bus.New(10)
	reg := New(b)

	if _, err := reg.Bind("A", "7"); err != nil {
		t.Fatal(err)
	}
	idx := 2
	if err := reg.SetCaptureSource("7", &idx); err != nil {
		t.Fatal(err)
	}
	reg.SetRecording("7", true)

	migrated, err := reg.Bind("B", "7")
	if err != nil {
		t.Fatal(err)
	}
	if !migrated {
		t.Fatal("expected migration")
	}
	if port, _ := reg.LookupPort("7"); port != "B" {
		t.Errorf("expected lookup_port(7) == B, got %q", port)
	}
	if id, ok := reg.Lookup("B"); !ok || id != "7" {
		t.Errorf("expected B to resolve to 7, got %q", id)
	}
	if _, ok := reg.Lookup("A"); ok {
		t.Error("expected stale port A to be unmapped")
	}

	dev, _ := reg.Device("7")
	if dev.CaptureIndex == nil || *dev.CaptureIndex != 2 || !dev.Recording {
		t.Errorf("expected capture source and recording state to follow the device, got %+v", dev)
	}

	msgs := b.Drain()
	if len(msgs) != 1 || msgs[0].Kind != types.KindMigrated {
		t.Errorf("expected one migration notice, got %+v", msgs)
	}
}

func TestBindIdempotent(t *testing.T) {
	b := bus.New(10)
	reg := New(b)
	reg.Bind("A", "7")
	migrated, err := reg.Bind("A", "7")
	if err != nil || migrated {
		t.Fatalf("expected no-op rebind, got migrated=%v err=%v", migrated, err)
	}
	if len(b.Drain()) != 0 {
		t.Error("expected no notification on idempotent bind")
	}
}

func TestBindPortReusedByAnotherDevice(t *testing.T) {
	reg := New(nil)
	reg.Bind("A", "1")
	reg.Bind("A", "2")

	if id, _ := reg.Lookup("A"); id != "2" {
		t.Errorf("expected A bound to 2, got %q", id)
	}
	if _, ok := reg.LookupPort("1"); ok {
		t.Error("expected device 1 to lose its port")
	}
	if status, _ := reg.Status("1"); status != types.StatusDisconnected {
		t.Errorf("expected device 1 disconnected, got %q", status)
	}
}

func TestBindRejectsEmptyIdentity(t *testing.T) {
	reg := New(nil)
	if _, err := reg.Bind("A", ""); !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("expected ErrEmptyIdentity, got %v", err)
	}
}

// No two ports may ever resolve to the same identity, whatever the
// interleaving of concurrent binds.
func TestBindNeverSharesIdentity(t *testing.T) {
	reg := New(nil)
	ports := []types.Port{"A", "B", "C", "D"}
	ids := []types.DeviceID{"1", "2", "3"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				reg.Bind(ports[(i+j)%len(ports)], ids[(i*j)%len(ids)])
			}
		}(i)
	}
	wg.Wait()

	seen := map[types.DeviceID]types.Port{}
	for _, p := range ports {
		id, ok := reg.Lookup(p)
		if !ok {
			continue
		}
		if prev, dup := seen[id]; dup {
			t.Fatalf("identity %s bound to both %s and %s", id, prev, p)
		}
		seen[id] = p
		if back, _ := reg.LookupPort(id); back != p {
			t.Errorf("lookup_port(%s) = %s, want %s", id, back, p)
		}
	}
}

func TestMarkDisconnectedKeepsBinding(t *testing.T) {
	reg := New(nil)
	reg.Bind("A", "7")

	id, ok := reg.MarkDisconnected("A")
	if !ok || id != "7" {
		t.Fatalf("expected device 7, got %q", id)
	}
	if status, _ := reg.Status("7"); status != types.StatusDisconnected {
		t.Errorf("expected disconnected, got %q", status)
	}
	if port, _ := reg.LookupPort("7"); port != "A" {
		t.Errorf("expected binding to survive, got %q", port)
	}
}

func TestSetCaptureSourceUnknown(t *testing.T) {
	reg := New(nil)
	idx := 0
	if err := reg.SetCaptureSource("9", &idx); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestCaptureSourcesCopy(t *testing.T) {
	reg := New(nil)
	reg.Bind("A", "1")
	reg.Bind("B", "2")
	idx := 3
	reg.SetCaptureSource("1", &idx)
	idx = 5

	got := reg.CaptureSources()
	if len(got) != 1 || got["1"] != 3 {
		t.Errorf("unexpected capture sources %v", got)
	}
	reg.SetCaptureSource("1", nil)
	if len(reg.CaptureSources()) != 0 {
		t.Error("expected assignment cleared")
	}
}

type lineLink struct {
	lines []string
}

func (l *lineLink) ReadLine() (string, error) {
	if len(l.lines) == 0 {
		time.Sleep(time.Millisecond)
		return "", nil
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	return line, nil
}
func (l *lineLink) Write(p []byte) (int, error) { return len(p), nil }
func (l *lineLink) Close() error                { return nil }

func TestResolveSkipsUntilIdentity(t *testing.T) {
	reg := New(nil)
	l := &lineLink{lines: []string{
		"garbage",
		",23.1,45,2.1,FR1,,3.7,120,1,Left,Left,3,4,2,0,1.2,30.5,0.8",
		",23.1,45,2.1,FR1,7,3.7,120,1,Pellet,Right,3,4,2,0,1.2,30.5,0.8",
	}}

	var events []telemetry.EventType
	id, err := reg.Resolve(context.Background(), l, func(rec *telemetry.Record) {
		events = append(events, rec.Event())
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "7" {
		t.Errorf("expected identity 7, got %q", id)
	}
	if len(events) != 2 || events[0] != telemetry.EventLeft {
		t.Errorf("expected both frames surfaced, got %v", events)
	}
}

func TestResolveCancelled(t *testing.T) {
	reg := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := reg.Resolve(ctx, &lineLink{}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
