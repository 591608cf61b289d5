// Package supervisor reconciles the set of present serial ports against
// the ports it tracks, identifying new devices and reporting departures.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/registry"
	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
	"github.com/user/fedlink/internal/worker"
)

const DefaultSettle = time.Second

// Hooks receives port lifecycle events. Implementations should return
// promptly; they run on the reconcile pass.
type Hooks interface {
	// DeviceReady is called when a port is bound to a known identity,
	// either freshly identified or reappearing.
	DeviceReady(port types.Port, id types.DeviceID)
	// PortVanished is called after a port disappears. id is empty when the
	// port was never identified.
	PortVanished(port types.Port, id types.DeviceID)
}

type portState struct {
	status  types.Status
	present bool
}

type Supervisor struct {
	list   func() ([]types.Port, error)
	open   types.Opener
	reg    *registry.Registry
	bus    *bus.Bus
	hooks  Hooks
	settle time.Duration

	idents  *worker.Table[types.Port]
	mu      sync.Mutex
	tracked map[types.Port]*portState
}

// New creates a supervisor. list enumerates present ports and open opens
// a link for identification.
func New(list func() ([]types.Port, error), open types.Opener, reg *registry.Registry, b *bus.Bus, hooks Hooks, settle time.Duration) *Supervisor {
	if settle < 0 {
		settle = DefaultSettle
	}
	return &Supervisor{
		list:    list,
		open:    open,
		reg:     reg,
		bus:     b,
		hooks:   hooks,
		settle:  settle,
		idents:  worker.NewTable[types.Port]("identify"),
		tracked: make(map[types.Port]*portState),
	}
}

// Reconcile runs one pass: vanished ports are marked disconnected and
// their workers stopped; new ports are identified after the settle delay;
// reappearing ports with a known identity are handed to the hooks, as are
// present ports whose device dropped to disconnected.
func (s *Supervisor) Reconcile(ctx context.Context) {
	live, err := s.list()
	if err != nil {
		s.bus.Log(slog.LevelWarn, "port enumeration failed", "error", err)
		return
	}
	present := make(map[types.Port]bool, len(live))
	for _, p := range live {
		present[p] = true
	}

	var vanished, appeared, kept []types.Port
	s.mu.Lock()
	for port, st := range s.tracked {
		if st.present && !present[port] {
			st.present = false
			st.status = types.StatusDisconnected
			vanished = append(vanished, port)
		}
	}
	for _, port := range live {
		st, ok := s.tracked[port]
		if !ok {
			st = &portState{status: types.StatusUnresolved}
			s.tracked[port] = st
		}
		if !st.present {
			st.present = true
			appeared = append(appeared, port)
		} else {
			kept = append(kept, port)
		}
	}
	s.mu.Unlock()

	for _, port := range vanished {
		s.idents.Stop(port)
		id, _ := s.reg.MarkDisconnected(port)
		if id != "" {
			s.bus.Device(id, types.KindStatus, "Disconnected from %s", port)
		} else {
			s.bus.Port(port, types.KindStatus, "Disconnected")
		}
		slog.Info("port vanished", "port", string(port), "device", string(id))
		s.hooks.PortVanished(port, id)
	}

	for _, port := range appeared {
		if id, ok := s.reg.Lookup(port); ok {
			s.setStatus(port, types.StatusReady)
			slog.Info("port reappeared", "port", string(port), "device", string(id))
			s.hooks.DeviceReady(port, id)
			continue
		}
		s.identify(ctx, port)
	}

	// A reader that lost its link marks the device disconnected while the
	// port stays listed; offer it again so logging resumes.
	for _, port := range kept {
		id, ok := s.reg.Lookup(port)
		if !ok {
			continue
		}
		if bound, _ := s.reg.LookupPort(id); bound != port {
			continue
		}
		if status, _ := s.reg.Status(id); status != types.StatusDisconnected {
			continue
		}
		s.setStatus(port, types.StatusReady)
		slog.Info("port recovered", "port", string(port), "device", string(id))
		s.hooks.DeviceReady(port, id)
	}
}

func (s *Supervisor) identify(ctx context.Context, port types.Port) {
	s.setStatus(port, types.StatusIdentifying)
	s.bus.Port(port, types.KindStatus, "Identifying device")

	s.idents.Start(ctx, port, func(ctx context.Context) {
		select {
		case <-time.After(s.settle):
		case <-ctx.Done():
			return
		}

		l, err := s.open(port)
		if err != nil {
			s.bus.Log(slog.LevelWarn, "open port failed", "port", string(port), "error", err)
			s.forget(port)
			return
		}
		id, err := s.reg.Resolve(ctx, l, func(rec *telemetry.Record) {
			if ev := rec.Event(); ev.IsPoke() {
				s.bus.Port(port, types.KindPoke, "%s", ev)
			}
		})
		l.Close()
		if err != nil {
			if ctx.Err() == nil {
				s.bus.Log(slog.LevelWarn, "identification failed", "port", string(port), "error", err)
				s.forget(port)
			}
			return
		}

		if _, err := s.reg.Bind(port, id); err != nil {
			s.bus.Log(slog.LevelError, "bind failed", "port", string(port), "device", string(id), "error", err)
			return
		}
		s.setStatus(port, types.StatusReady)
		s.bus.Device(id, types.KindStatus, "Identified on %s", port)
		slog.Info("device identified", "port", string(port), "device", string(id))
		s.hooks.DeviceReady(port, id)
	})
}

// forget drops a port so the next pass treats it as new and retries.
func (s *Supervisor) forget(port types.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, port)
}

func (s *Supervisor) setStatus(port types.Port, status types.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tracked[port]; ok {
		st.status = status
	}
}

// Identifying reports whether an identification worker runs for port.
func (s *Supervisor) Identifying(port types.Port) bool {
	return s.idents.Running(port)
}

// Ports returns a snapshot of every tracked port, sorted by path.
func (s *Supervisor) Ports() []types.PortState {
	s.mu.Lock()
	out := make([]types.PortState, 0, len(s.tracked))
	for port, st := range s.tracked {
		out = append(out, types.PortState{Port: port, Status: st.status, Present: st.present})
	}
	s.mu.Unlock()

	for i := range out {
		if id, ok := s.reg.Lookup(out[i].Port); ok {
			out[i].Device = id
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Stop cancels and joins every identification worker.
func (s *Supervisor) Stop() {
	s.idents.StopAll()
}
