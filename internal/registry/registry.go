// Package registry owns the device identity to port binding. Every
// mutation happens under one lock so that no two ports ever resolve to the
// same identity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrEmptyIdentity = errors.New("empty device identity")
)

type device struct {
	port      types.Port
	status    types.Status
	capture   *int
	lastEvent time.Time
	recording bool
}

type Registry struct {
	mu      sync.Mutex
	byPort  map[types.Port]types.DeviceID
	devices map[types.DeviceID]*device
	bus     *bus.Bus
}

// New creates an empty registry. Migration notices are published on b,
// which may be nil.
func New(b *bus.Bus) *Registry {
	return &Registry{
		byPort:  make(map[types.Port]types.DeviceID),
		devices: make(map[types.DeviceID]*device),
		bus:     b,
	}
}

// Bind associates port with id. If id was bound elsewhere the stale port
// mapping is removed and the device migrates, carrying its capture source
// and recording state. If port was bound to another identity, that
// identity loses its port. Binding an existing pair is a no-op.
func (r *Registry) Bind(port types.Port, id types.DeviceID) (migrated bool, err error) {
	if id == "" {
		return false, ErrEmptyIdentity
	}

	r.mu.Lock()
	d := r.devices[id]
	if d != nil && d.port == port && r.byPort[port] == id {
		r.mu.Unlock()
		return false, nil
	}

	if other, ok := r.byPort[port]; ok && other != id {
		if od := r.devices[other]; od != nil {
			od.port = ""
			od.status = types.StatusDisconnected
		}
	}

	var from types.Port
	if d == nil {
		d = &device{status: types.StatusReady}
		r.devices[id] = d
	} else if d.port != "" && d.port != port {
		from = d.port
		delete(r.byPort, d.port)
		migrated = true
	}
	r.byPort[port] = id
	d.port = port
	if d.status != types.StatusActive {
		d.status = types.StatusReady
	}
	r.mu.Unlock()

	if migrated {
		slog.Info("device migrated", "device", string(id), "from", string(from), "port", string(port))
		r.bus.Device(id, types.KindMigrated, "Device %s moved from %s to %s", id, from, port)
	}
	return migrated, nil
}

// Lookup returns the identity bound to port.
func (r *Registry) Lookup(port types.Port) (types.DeviceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPort[port]
	return id, ok
}

// LookupPort returns the port currently bound to id.
func (r *Registry) LookupPort(id types.DeviceID) (types.Port, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok || d.port == "" {
		return "", false
	}
	return d.port, true
}

// Resolve reads frames from l until one carries a non-empty device number
// or ctx is cancelled. Every parsed frame is passed to onFrame first, so
// callers can surface pokes while the identity is still unknown.
func (r *Registry) Resolve(ctx context.Context, l types.Link, onFrame func(*telemetry.Record)) (types.DeviceID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := l.ReadLine()
		if err != nil {
			return "", fmt.Errorf("resolve identity: %w", err)
		}
		if line == "" {
			continue
		}
		rec, err := telemetry.Parse(line)
		if err != nil {
			continue
		}
		if onFrame != nil {
			onFrame(rec)
		}
		if n := rec.DeviceNumber(); n != "" {
			return types.DeviceID(n), nil
		}
	}
}

// SetStatus updates the status of a known device.
func (r *Registry) SetStatus(id types.DeviceID, status types.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.status = status
	return nil
}

// Status returns the status of a known device.
func (r *Registry) Status(id types.DeviceID) (types.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return "", false
	}
	return d.status, true
}

// MarkDisconnected marks the device on port as disconnected. The binding
// survives so the device can be recognized when the port comes back.
func (r *Registry) MarkDisconnected(port types.Port) (types.DeviceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPort[port]
	if !ok {
		return "", false
	}
	if d := r.devices[id]; d != nil && d.port == port {
		d.status = types.StatusDisconnected
	}
	return id, true
}

// SetCaptureSource assigns a capture source index to id; nil clears it.
func (r *Registry) SetCaptureSource(id types.DeviceID, index *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if index == nil {
		d.capture = nil
		return nil
	}
	v := *index
	d.capture = &v
	return nil
}

// CaptureSources returns a copy of the current capture assignments.
func (r *Registry) CaptureSources() map[types.DeviceID]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.DeviceID]int)
	for id, d := range r.devices {
		if d.capture != nil {
			out[id] = *d.capture
		}
	}
	return out
}

// RecordEvent stores the time of the latest qualifying event.
func (r *Registry) RecordEvent(id types.DeviceID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.lastEvent = at
	}
}

// SetRecording flags whether id has a recording in progress.
func (r *Registry) SetRecording(id types.DeviceID, recording bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.recording = recording
	}
}

// Devices returns a snapshot of every known device ordered by identity.
func (r *Registry) Devices() []types.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Device, 0, len(r.devices))
	for id, d := range r.devices {
		out = append(out, r.snapshot(id, d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns a snapshot of one device.
func (r *Registry) Device(id types.DeviceID) (types.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return types.Device{}, false
	}
	return r.snapshot(id, d), true
}

func (r *Registry) snapshot(id types.DeviceID, d *device) types.Device {
	dev := types.Device{
		ID:        id,
		Port:      d.port,
		Status:    d.status,
		LastEvent: d.lastEvent,
		Recording: d.recording,
	}
	if d.capture != nil {
		v := *d.capture
		dev.CaptureIndex = &v
	}
	return dev
}
