// Package session implements the Idle, Active, Stopping state machine that
// ties the registry, readers, flush pipeline and recordings to the user's
// start and stop commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/flush"
	"github.com/user/fedlink/internal/link"
	"github.com/user/fedlink/internal/pulse"
	"github.com/user/fedlink/internal/reader"
	"github.com/user/fedlink/internal/recording"
	"github.com/user/fedlink/internal/registry"
	"github.com/user/fedlink/internal/scheduler"
	"github.com/user/fedlink/internal/state"
	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
	"github.com/user/fedlink/internal/worker"
)

var (
	ErrInvalidParams = errors.New("invalid session parameters")
	ErrNotIdle       = errors.New("a session is already running")
	ErrNotActive     = errors.New("no active session")
	ErrSharedCapture = errors.New("capture source assigned to more than one device")
	ErrOffline       = errors.New("device is not connected")
)

type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

const flushJob = "flush"

// Params are the user's start command arguments.
type Params struct {
	Experimenter  string `json:"experimenter"`
	Experiment    string `json:"experiment"`
	OutputDir     string `json:"output_dir"`
	Credentials   string `json:"credentials"`
	SpreadsheetID string `json:"spreadsheet_id"`
	Trigger       string `json:"trigger"`
}

// Camera is a capture source opened for the length of a session.
type Camera interface {
	recording.Camera
	Close() error
}

// SinkFactory authenticates against the remote sheet.
type SinkFactory func(ctx context.Context, credentials, spreadsheetID string) (flush.Sink, error)

// CameraOpener opens the capture source at index.
type CameraOpener func(index int) (Camera, error)

type Deps struct {
	Registry  *registry.Registry
	Bus       *bus.Bus
	Opener    types.Opener
	Scheduler *scheduler.Scheduler
	Store     types.SessionStore
	Sinks     SinkFactory
	Cameras   CameraOpener
	Pulse     pulse.Notifier
}

type Options struct {
	FlushInterval       time.Duration
	FinalFlushTimeout   time.Duration
	MaxConcurrent       int64
	Retry               flush.RetryPolicy
	IdleTimeout         time.Duration
	ExtendedIdleTimeout time.Duration
	Poll                time.Duration
	ConnectAttempts     int
	ConnectDelay        time.Duration
}

// DefaultOptions returns the timings the devices were tuned for.
func DefaultOptions() Options {
	return Options{
		FlushInterval:       5 * time.Second,
		FinalFlushTimeout:   30 * time.Second,
		MaxConcurrent:       4,
		Retry:               *flush.DefaultRetryPolicy(nil),
		IdleTimeout:         30 * time.Second,
		ExtendedIdleTimeout: 60 * time.Second,
		Poll:                50 * time.Millisecond,
		ConnectAttempts:     5,
		ConnectDelay:        2 * time.Second,
	}
}

// Snapshot is the controller state as seen by the presentation layer.
type Snapshot struct {
	State   State               `json:"state"`
	Session *types.SessionIndex `json:"session,omitempty"`
}

type active struct {
	info        *types.SessionIndex
	cancel      context.CancelFunc
	ctx         context.Context
	flushCancel context.CancelFunc
	buffer      *state.RowBuffer
	pipeline    *flush.Pipeline
	coord       *recording.Coordinator
	cameras     []Camera
	reader      *reader.Reader
}

type Controller struct {
	deps Deps
	opts Options
	base context.Context

	mu      sync.Mutex
	state   State
	cur     *active
	readers *worker.Table[types.Port]
	snap    atomic.Pointer[Snapshot]
}

// NewController creates an idle controller. Session workers derive from
// base, so cancelling it tears everything down.
func NewController(base context.Context, deps Deps, opts Options) *Controller {
	if deps.Pulse == nil {
		deps.Pulse = pulse.Nop{}
	}
	c := &Controller{
		deps:    deps,
		opts:    opts,
		base:    base,
		state:   StateIdle,
		readers: worker.NewTable[types.Port]("reader"),
	}
	c.publish()
	return c
}

// publish refreshes the lock-free snapshot. Caller must hold c.mu.
func (c *Controller) publish() {
	s := &Snapshot{State: c.state}
	if c.cur != nil {
		info := *c.cur.info
		s.Session = &info
	}
	c.snap.Store(s)
}

// Status returns the current state without blocking on transitions.
func (c *Controller) Status() Snapshot {
	return *c.snap.Load()
}

// SessionID returns the active session id, or "".
func (c *Controller) SessionID() types.SessionID {
	if s := c.snap.Load(); s.Session != nil {
		return s.Session.SessionID
	}
	return ""
}

// Start validates params, authenticates the sink, prepares output, opens
// the capture sources and starts a reader for every known device.
func (c *Controller) Start(ctx context.Context, p Params) (*types.SessionIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, ErrNotIdle
	}
	trigger, err := validate(p)
	if err != nil {
		return nil, err
	}

	captures := c.deps.Registry.CaptureSources()
	if err := checkShared(captures); err != nil {
		return nil, err
	}

	sink, err := c.deps.Sinks(ctx, p.Credentials, p.SpreadsheetID)
	if err != nil {
		return nil, fmt.Errorf("authenticate remote sheet: %w", err)
	}

	started := time.Now()
	folder := Folder(p.OutputDir, p.Experimenter, p.Experiment, started)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create session folder: %w", err)
	}

	byIndex, err := c.openCameras(captures)
	if err != nil {
		return nil, err
	}
	cams := make(map[types.DeviceID]recording.Camera, len(captures))
	for id, idx := range captures {
		cams[id] = byIndex[idx]
	}
	opened := make([]Camera, 0, len(byIndex))
	for _, cam := range byIndex {
		opened = append(opened, cam)
	}

	sessCtx, cancel := context.WithCancel(c.base)
	// Appends run under their own context: Stop cancels it only after the
	// final flush has waited for them, so an applied batch is never resent.
	flushCtx, flushCancel := context.WithCancel(c.base)
	retry := c.opts.Retry
	pipeline := flush.New(sink, &retry, c.opts.MaxConcurrent, c.deps.Bus)
	buffer := state.NewRowBuffer()
	reg := c.deps.Registry
	coord := recording.New(sessCtx, cams, recording.Options{
		Dir:         folder,
		IdleTimeout: trigger.IdleTimeout(c.opts.IdleTimeout, c.opts.ExtendedIdleTimeout),
		Poll:        c.opts.Poll,
		OnChange:    reg.SetRecording,
	}, c.deps.Bus)
	rd := reader.New(c.deps.Opener, reg, c.deps.Bus, reader.Sinks{
		Buffer:   buffer,
		Pipeline: pipeline,
		Recorder: coord,
		Pulse:    c.deps.Pulse,
		FlushCtx: flushCtx,
	}, reader.Config{
		Trigger:         trigger,
		ConnectAttempts: c.opts.ConnectAttempts,
		ConnectDelay:    c.opts.ConnectDelay,
	})

	if err := c.deps.Scheduler.Every(flushJob, c.opts.FlushInterval, func() { pipeline.Tick(flushCtx) }); err != nil {
		cancel()
		flushCancel()
		closeAll(opened)
		return nil, err
	}

	info := &types.SessionIndex{
		SessionID:    types.NewSessionID(),
		Experimenter: p.Experimenter,
		Experiment:   p.Experiment,
		Folder:       folder,
		Trigger:      string(trigger),
		Status:       string(StateActive),
		StartedAt:    started,
	}
	if err := c.deps.Store.Create(ctx, info); err != nil {
		slog.Warn("session index not saved", "session_id", string(info.SessionID), "error", err)
	}

	c.cur = &active{
		info:        info,
		cancel:      cancel,
		ctx:         sessCtx,
		flushCancel: flushCancel,
		buffer:      buffer,
		pipeline:    pipeline,
		coord:       coord,
		cameras:     opened,
		reader:      rd,
	}
	c.state = StateActive
	c.publish()

	for _, dev := range reg.Devices() {
		if dev.Port != "" && dev.Status != types.StatusDisconnected {
			c.startReader(dev.Port, dev.ID)
		}
	}

	c.deps.Bus.Log(slog.LevelInfo, "session started", "session_id", string(info.SessionID), "folder", folder, "trigger", string(trigger))
	out := *info
	return &out, nil
}

// Stop cancels every worker, joins them, makes a final flush attempt,
// writes the local files and releases the capture sources.
func (c *Controller) Stop(ctx context.Context) (*types.SessionIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return nil, ErrNotActive
	}
	cur := c.cur
	c.state = StateStopping
	c.publish()

	cur.cancel()
	c.readers.StopAll()
	cur.coord.Wait()
	c.deps.Scheduler.Remove(flushJob)

	flushCtx, cancel := context.WithTimeout(ctx, c.opts.FinalFlushTimeout)
	if err := cur.pipeline.Flush(flushCtx); err != nil {
		c.deps.Bus.Log(slog.LevelWarn, "final flush incomplete", "session_id", string(cur.info.SessionID), "error", err)
	}
	cancel()
	cur.flushCancel()
	cur.pipeline.Wait(context.Background())

	files, writeErr := cur.buffer.WriteCSV(cur.info.Folder, telemetry.Columns, cur.info.StartedAt)
	if writeErr != nil {
		c.deps.Bus.Log(slog.LevelError, "local output not written", "session_id", string(cur.info.SessionID), "error", writeErr)
	}
	closeAll(cur.cameras)

	ended := time.Now()
	cur.info.EndedAt = &ended
	cur.info.Status = "stopped"
	cur.info.Rows = cur.buffer.Counts()
	cur.info.Files = files
	if err := c.deps.Store.Update(ctx, cur.info); err != nil {
		slog.Warn("session index not updated", "session_id", string(cur.info.SessionID), "error", err)
	}

	c.cur = nil
	c.state = StateIdle
	c.publish()

	c.deps.Bus.Log(slog.LevelInfo, "session stopped", "session_id", string(cur.info.SessionID), "files", len(files))
	out := *cur.info
	return &out, writeErr
}

// SetCaptureSource assigns a capture source to a device. Assignments are
// snapshotted at start, so changes are refused while a session runs.
func (c *Controller) SetCaptureSource(id types.DeviceID, index *int) error {
	if st := c.Status().State; st != StateIdle {
		return fmt.Errorf("%w: capture sources are fixed while the session runs", ErrNotIdle)
	}
	return c.deps.Registry.SetCaptureSource(id, index)
}

// DeviceCommand sends cmd to device id and waits for its reply. During a
// session it goes through the device's reader; while idle the port is
// opened just for the command.
func (c *Controller) DeviceCommand(ctx context.Context, id types.DeviceID, cmd link.Command) error {
	dev, ok := c.deps.Registry.Device(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownDevice, id)
	}
	if dev.Port == "" || dev.Status == types.StatusDisconnected {
		return fmt.Errorf("%w: %s", ErrOffline, id)
	}

	c.mu.Lock()
	st, cur := c.state, c.cur
	c.mu.Unlock()

	switch st {
	case StateActive:
		err := cur.reader.Command(ctx, dev.Port, cmd)
		if errors.Is(err, reader.ErrNotReading) {
			return fmt.Errorf("%w: %s", ErrOffline, id)
		}
		return err
	case StateIdle:
		l, err := c.deps.Opener(dev.Port)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}
		defer l.Close()
		return link.Exec(ctx, l, cmd)
	}
	return fmt.Errorf("%w: session is stopping", ErrNotIdle)
}

// DeviceReady starts a reader when a session is active, otherwise the
// device waits in the ready state.
func (c *Controller) DeviceReady(port types.Port, id types.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		c.startReader(port, id)
		return
	}
	c.deps.Registry.SetStatus(id, types.StatusReady)
}

// PortVanished stops the reader on port.
func (c *Controller) PortVanished(port types.Port, _ types.DeviceID) {
	c.readers.Stop(port)
}

// Readers returns the ports with a running reader.
func (c *Controller) Readers() []types.Port {
	return worker.SortedKeys(c.readers)
}

// startReader must be called with c.mu held and a session active.
func (c *Controller) startReader(port types.Port, id types.DeviceID) {
	cur := c.cur
	c.readers.Start(cur.ctx, port, func(ctx context.Context) {
		cur.reader.Run(ctx, port, id)
	})
}

func (c *Controller) openCameras(captures map[types.DeviceID]int) (map[int]Camera, error) {
	out := make(map[int]Camera)
	if len(captures) == 0 {
		return out, nil
	}
	if c.deps.Cameras == nil {
		return nil, errors.New("capture sources assigned but video capture is unavailable")
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, idx := range captures {
		idx := idx
		g.Go(func() error {
			cam, err := c.deps.Cameras(idx)
			if err != nil {
				return fmt.Errorf("open capture source %d: %w", idx, err)
			}
			mu.Lock()
			out[idx] = cam
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, cam := range out {
			cam.Close()
		}
		return nil, err
	}
	return out, nil
}

func closeAll(cams []Camera) {
	for _, cam := range cams {
		if err := cam.Close(); err != nil {
			slog.Warn("close capture source", "error", err)
		}
	}
}

func validate(p Params) (telemetry.Trigger, error) {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"experimenter", p.Experimenter},
		{"experiment", p.Experiment},
		{"output_dir", p.OutputDir},
		{"credentials", p.Credentials},
		{"spreadsheet_id", p.SpreadsheetID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidParams, strings.Join(missing, ", "))
	}
	if p.Trigger == "" {
		return telemetry.TriggerPellet, nil
	}
	trigger, err := telemetry.ParseTrigger(p.Trigger)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return trigger, nil
}

func checkShared(captures map[types.DeviceID]int) error {
	owners := make(map[int][]string)
	for id, idx := range captures {
		owners[idx] = append(owners[idx], string(id))
	}
	for idx, ids := range owners {
		if len(ids) > 1 {
			sort.Strings(ids)
			return fmt.Errorf("%w: index %d used by devices %s", ErrSharedCapture, idx, strings.Join(ids, ", "))
		}
	}
	return nil
}

// Folder is the session output folder:
// <output>/<experimenter>/<experiment>_<YYYY_MM_DD_HH_MM_SS>.
func Folder(outputDir, experimenter, experiment string, started time.Time) string {
	return filepath.Join(outputDir,
		types.SafeName(strings.ToLower(strings.TrimSpace(experimenter))),
		types.SafeName(strings.ToLower(strings.TrimSpace(experiment)))+"_"+started.Format("2006_01_02_15_04_05"))
}
