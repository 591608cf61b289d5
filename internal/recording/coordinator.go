// Package recording runs at most one video recording per device, started by
// a qualifying event and kept alive while further qualifying events arrive
// within the idle timeout.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/types"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultPoll        = 50 * time.Millisecond
)

// Camera is an open capture source shared by all recordings of a session.
type Camera interface {
	// NewClip opens a video file at path sized to the source.
	NewClip(path string) (Clip, error)
}

// Clip is one output file being written.
type Clip interface {
	// CaptureFrame reads one frame from the source and appends it.
	CaptureFrame() error
	Close() error
}

// ClipPath is the file for a recording of id started at start inside dir.
func ClipPath(dir string, id types.DeviceID, start time.Time) string {
	return filepath.Join(dir, "Device_"+string(id),
		fmt.Sprintf("device_%s_camera_%s.avi", id, start.Format("20060102_150405")))
}

type Options struct {
	Dir         string
	IdleTimeout time.Duration
	Poll        time.Duration
	// OnChange is told when a device starts or stops recording.
	OnChange func(id types.DeviceID, recording bool)
	Now      func() time.Time
}

type state struct {
	mu        sync.Mutex
	recording bool
	last      time.Time
}

type Coordinator struct {
	ctx     context.Context
	cameras map[types.DeviceID]Camera
	opts    Options
	bus     *bus.Bus

	mu     sync.Mutex
	states map[types.DeviceID]*state
	wg     sync.WaitGroup
}

// New creates a coordinator for the given camera assignments. Recordings
// stop when ctx is cancelled.
func New(ctx context.Context, cameras map[types.DeviceID]Camera, opts Options, b *bus.Bus) *Coordinator {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnChange == nil {
		opts.OnChange = func(types.DeviceID, bool) {}
	}
	return &Coordinator{
		ctx:     ctx,
		cameras: cameras,
		opts:    opts,
		bus:     b,
		states:  make(map[types.DeviceID]*state),
	}
}

func (c *Coordinator) stateFor(id types.DeviceID) *state {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		st = &state{}
		c.states[id] = st
	}
	return st
}

// Trigger records a qualifying event for id. It starts a recording when
// the device is idle and extends the current one otherwise. Returns true
// only when a new recording was started.
func (c *Coordinator) Trigger(id types.DeviceID) bool {
	cam, ok := c.cameras[id]
	if !ok || c.ctx.Err() != nil {
		return false
	}
	st := c.stateFor(id)

	st.mu.Lock()
	st.last = c.opts.Now()
	if st.recording {
		st.mu.Unlock()
		return false
	}
	st.recording = true
	c.wg.Add(1)
	st.mu.Unlock()

	go c.record(id, cam, st)
	return true
}

// Active reports whether id is recording.
func (c *Coordinator) Active(id types.DeviceID) bool {
	st := c.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.recording
}

// Wait blocks until every recording has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) record(id types.DeviceID, cam Camera, st *state) {
	defer c.wg.Done()
	ended := false
	// The flag is cleared and reported under the device lock so a trigger
	// racing with the end of a recording sees a consistent state.
	finish := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if !ended {
			ended = true
			st.recording = false
			c.opts.OnChange(id, false)
		}
	}
	defer finish()

	path := ClipPath(c.opts.Dir, id, c.opts.Now())
	clip, err := cam.NewClip(path)
	if err != nil {
		c.bus.Log(slog.LevelWarn, "recording not started", "device", string(id), "error", err)
		return
	}
	defer clip.Close()

	c.opts.OnChange(id, true)
	c.bus.Device(id, types.KindRecording, "Recording started: %s", filepath.Base(path))
	slog.Info("recording started", "device", string(id), "file", path)

	ticker := time.NewTicker(c.opts.Poll)
	defer ticker.Stop()
	frames := 0
	for {
		st.mu.Lock()
		idle := c.opts.Now().Sub(st.last) >= c.opts.IdleTimeout
		if idle {
			ended = true
			st.recording = false
			c.opts.OnChange(id, false)
		}
		st.mu.Unlock()
		if idle {
			break
		}

		if err := clip.CaptureFrame(); err != nil {
			c.bus.Log(slog.LevelWarn, "capture failed, recording aborted", "device", string(id), "error", err)
			return
		}
		frames++

		select {
		case <-c.ctx.Done():
			slog.Info("recording stopped with session", "device", string(id), "frames", frames)
			return
		case <-ticker.C:
		}
	}

	c.bus.Device(id, types.KindRecording, "Recording ended after %d frames", frames)
	slog.Info("recording ended", "device", string(id), "frames", frames)
}
