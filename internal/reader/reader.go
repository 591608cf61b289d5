// Package reader runs the per-device telemetry loop of an active session.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/flush"
	"github.com/user/fedlink/internal/link"
	"github.com/user/fedlink/internal/pulse"
	"github.com/user/fedlink/internal/registry"
	"github.com/user/fedlink/internal/state"
	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
)

// Recorder is notified of qualifying events.
type Recorder interface {
	Trigger(id types.DeviceID) bool
}

// Sinks receive every accepted record.
type Sinks struct {
	Buffer   *state.RowBuffer
	Pipeline *flush.Pipeline
	Recorder Recorder
	Pulse    pulse.Notifier
	// FlushCtx bounds remote appends started by the reader. It outlives
	// the reader so that stopping it never aborts an append in flight.
	// Defaults to the reader's own context.
	FlushCtx context.Context
}

type Config struct {
	Trigger         telemetry.Trigger
	ConnectAttempts int
	ConnectDelay    time.Duration
}

// ErrNotReading is returned for commands to a port without a running
// reader.
var ErrNotReading = errors.New("no reader on port")

// conn is a reader's open link. Command replies read by the loop are
// handed to the command waiting on them.
type conn struct {
	link    types.Link
	replies chan string
	// serializes commands so each reply has one waiter
	cmd sync.Mutex
}

type Reader struct {
	open  types.Opener
	reg   *registry.Registry
	bus   *bus.Bus
	sinks Sinks
	cfg   Config
	now   func() time.Time

	mu    sync.Mutex
	conns map[types.Port]*conn
}

func New(open types.Opener, reg *registry.Registry, b *bus.Bus, sinks Sinks, cfg Config) *Reader {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 5
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = 2 * time.Second
	}
	if sinks.Pulse == nil {
		sinks.Pulse = pulse.Nop{}
	}
	return &Reader{
		open:  open,
		reg:   reg,
		bus:   b,
		sinks: sinks,
		cfg:   cfg,
		now:   time.Now,
		conns: make(map[types.Port]*conn),
	}
}

// Run reads port until ctx is cancelled or the link fails. id is the
// identity the port was bound to when the reader started; a frame carrying
// another device number rebinds the port.
func (r *Reader) Run(ctx context.Context, port types.Port, id types.DeviceID) error {
	l, err := r.connect(ctx, port)
	if err != nil {
		r.reg.MarkDisconnected(port)
		r.bus.Log(slog.LevelWarn, "reader could not open port", "port", string(port), "device", string(id), "error", err)
		return err
	}
	defer l.Close()

	c := &conn{link: l, replies: make(chan string, 4)}
	r.mu.Lock()
	r.conns[port] = c
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.conns[port] == c {
			delete(r.conns, port)
		}
		r.mu.Unlock()
	}()

	current := id
	r.reg.SetStatus(current, types.StatusActive)
	r.bus.Device(current, types.KindStatus, "Logging on %s", port)
	slog.Info("reader started", "port", string(port), "device", string(current))

	for {
		if ctx.Err() != nil {
			if status, _ := r.reg.Status(current); status == types.StatusActive {
				r.reg.SetStatus(current, types.StatusReady)
			}
			return nil
		}

		line, err := l.ReadLine()
		if err != nil {
			r.reg.MarkDisconnected(port)
			r.bus.Device(current, types.KindStatus, "Disconnected")
			r.bus.Log(slog.LevelWarn, "link lost", "port", string(port), "device", string(current), "error", err)
			return err
		}
		if line == "" {
			continue
		}
		if link.IsReply(line) {
			slog.Info("device reply", "device", string(current), "reply", line)
			select {
			case c.replies <- line:
			default:
			}
			continue
		}

		rec, err := telemetry.Parse(line)
		if err != nil {
			slog.Debug("frame rejected", "device", string(current), "error", err)
			r.bus.Device(current, types.KindText, "Rejected frame: %v", err)
			continue
		}
		rec.ReceivedAt = r.now()

		if n := types.DeviceID(rec.DeviceNumber()); n != "" && n != current {
			if _, err := r.reg.Bind(port, n); err == nil {
				slog.Info("port rebound", "port", string(port), "from", string(current), "device", string(n))
				current = n
				r.reg.SetStatus(current, types.StatusActive)
			}
		}

		r.accept(ctx, current, rec)
	}
}

// Command writes cmd on the link the reader holds for port and waits for
// the reply to come through the read loop.
func (r *Reader) Command(ctx context.Context, port types.Port, cmd link.Command) error {
	r.mu.Lock()
	c, ok := r.conns[port]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrNotReading, port)
	}

	c.cmd.Lock()
	defer c.cmd.Unlock()
	// Drop replies nobody waited for.
	for len(c.replies) > 0 {
		<-c.replies
	}
	if _, err := c.link.Write([]byte(cmd.Payload)); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Name, err)
	}

	timer := time.NewTimer(cmd.Wait)
	defer timer.Stop()
	for {
		select {
		case reply := <-c.replies:
			if done, err := cmd.Settle(reply); done {
				return err
			}
		case <-timer.C:
			return fmt.Errorf("%s: %w", cmd.Name, link.ErrNoReply)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reader) accept(ctx context.Context, id types.DeviceID, rec *telemetry.Record) {
	row := rec.Row()
	r.sinks.Buffer.Append(id, row)
	r.sinks.Pipeline.Add(id, row)

	ev := rec.Event()
	if ev == telemetry.EventJam {
		flushCtx := r.sinks.FlushCtx
		if flushCtx == nil {
			flushCtx = ctx
		}
		r.sinks.Pipeline.AddJam(flushCtx, id, telemetry.JamRow(rec.ReceivedAt, rec.DeviceNumber()))
		r.bus.Log(slog.LevelWarn, "pellet jam", "device", string(id))
	}
	if r.cfg.Trigger.Matches(ev) {
		r.reg.RecordEvent(id, rec.ReceivedAt)
		if r.sinks.Recorder != nil {
			r.sinks.Recorder.Trigger(id)
		}
	}
	r.sinks.Pulse.Notify(id, ev)
	r.bus.Device(id, types.KindText, "Data logged: %s", ev)
}

func (r *Reader) connect(ctx context.Context, port types.Port) (types.Link, error) {
	policy := &flush.RetryPolicy{
		MaxAttempts:  r.cfg.ConnectAttempts,
		InitialDelay: r.cfg.ConnectDelay,
		Multiplier:   1,
		Retryable:    func(error) bool { return true },
	}
	var l types.Link
	err := policy.Execute(ctx, func(attempt int) error {
		var err error
		l, err = r.open(port)
		if err != nil {
			slog.Debug("open port failed", "port", string(port), "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s after %d attempts: %w", port, r.cfg.ConnectAttempts, err)
	}
	return l, nil
}
