// Package pulse mirrors feeding events onto TTL lines for external
// acquisition hardware.
package pulse

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
)

const DefaultWidth = 100 * time.Millisecond

// Notifier receives "event occurred" notifications. Notify must not block.
type Notifier interface {
	Notify(id types.DeviceID, ev telemetry.EventType)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(types.DeviceID, telemetry.EventType) {}

// Pins names the GPIO lines of one device.
type Pins struct {
	Left   string `json:"left"`
	Right  string `json:"right"`
	Pellet string `json:"pellet"`
}

type line interface {
	Out(l gpio.Level) error
}

type lines struct {
	mu     sync.Mutex
	left   line
	right  line
	pellet line
	inWell bool
}

// GPIO drives per-device output lines.
type GPIO struct {
	width   time.Duration
	devices map[types.DeviceID]*lines
	wg      sync.WaitGroup
}

// OpenGPIO initializes the host drivers and resolves every configured pin.
func OpenGPIO(pins map[types.DeviceID]Pins, width time.Duration) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init gpio host: %w", err)
	}
	resolved := make(map[types.DeviceID][3]line, len(pins))
	for id, p := range pins {
		var out [3]line
		for i, name := range []string{p.Left, p.Right, p.Pellet} {
			if name == "" {
				continue
			}
			pin := gpioreg.ByName(name)
			if pin == nil {
				return nil, fmt.Errorf("device %s: unknown gpio pin %q", id, name)
			}
			if err := pin.Out(gpio.Low); err != nil {
				return nil, fmt.Errorf("device %s: set %s low: %w", id, name, err)
			}
			out[i] = pin
		}
		resolved[id] = out
	}
	return newGPIO(resolved, width), nil
}

func newGPIO(pins map[types.DeviceID][3]line, width time.Duration) *GPIO {
	if width <= 0 {
		width = DefaultWidth
	}
	g := &GPIO{width: width, devices: make(map[types.DeviceID]*lines, len(pins))}
	for id, out := range pins {
		g.devices[id] = &lines{left: out[0], right: out[1], pellet: out[2]}
	}
	return g
}

// Notify pulses the line for ev. PelletInWell raises the pellet line and
// holds it; the following Pellet lowers it, and pulses only if a pellet
// was actually in the well.
func (g *GPIO) Notify(id types.DeviceID, ev telemetry.EventType) {
	d, ok := g.devices[id]
	if !ok {
		return
	}
	switch ev {
	case telemetry.EventLeft, telemetry.EventLeftWithPellet:
		g.pulse(id, d.left)
	case telemetry.EventRight, telemetry.EventRightWithPellet:
		g.pulse(id, d.right)
	case telemetry.EventPelletInWell:
		d.mu.Lock()
		d.inWell = true
		set(id, d.pellet, gpio.High)
		d.mu.Unlock()
	case telemetry.EventPellet:
		d.mu.Lock()
		wasInWell := d.inWell
		d.inWell = false
		set(id, d.pellet, gpio.Low)
		d.mu.Unlock()
		if wasInWell {
			g.pulse(id, d.pellet)
		}
	}
}

func (g *GPIO) pulse(id types.DeviceID, l line) {
	if l == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		set(id, l, gpio.High)
		time.Sleep(g.width)
		set(id, l, gpio.Low)
	}()
}

// Wait blocks until pending pulses have completed.
func (g *GPIO) Wait() {
	g.wg.Wait()
}

func set(id types.DeviceID, l line, level gpio.Level) {
	if l == nil {
		return
	}
	if err := l.Out(level); err != nil {
		slog.Warn("gpio write failed", "device", string(id), "level", level.String(), "error", err)
	}
}
