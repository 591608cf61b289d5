// Package bus carries status text from the workers to the presentation
// loop: one bounded queue per device plus a shared log queue. Producers
// never block.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/fedlink/internal/delivery"
	"github.com/user/fedlink/internal/types"
)

const (
	LogKey           = "log"
	DefaultQueueSize = 256
)

// DeviceKey is the queue key for an identified device.
func DeviceKey(id types.DeviceID) string { return "device:" + string(id) }

// PortKey is the queue key for a port whose device is not yet known.
func PortKey(port types.Port) string { return "port:" + string(port) }

type Bus struct {
	size    int
	mu      sync.Mutex
	queues  map[string]chan types.Message
	log     chan types.Message
	dropped atomic.Int64
	now     func() time.Time
}

func New(size int) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		size:   size,
		queues: make(map[string]chan types.Message),
		log:    make(chan types.Message, size),
		now:    time.Now,
	}
}

// Publish enqueues msg on its key's queue, or on the log queue when the key
// is empty or LogKey. A full queue drops the message.
func (b *Bus) Publish(msg types.Message) {
	if b == nil {
		return
	}
	if msg.At.IsZero() {
		msg.At = b.now()
	}
	var ch chan types.Message
	if msg.Key == "" || msg.Key == LogKey {
		msg.Key = LogKey
		ch = b.log
	} else {
		b.mu.Lock()
		ch = b.queues[msg.Key]
		if ch == nil {
			ch = make(chan types.Message, b.size)
			b.queues[msg.Key] = ch
		}
		b.mu.Unlock()
	}
	select {
	case ch <- msg:
	default:
		b.dropped.Add(1)
	}
}

// Device publishes on a device queue.
func (b *Bus) Device(id types.DeviceID, kind types.MessageKind, format string, args ...any) {
	b.Publish(types.Message{
		Key:    DeviceKey(id),
		Device: id,
		Kind:   kind,
		Text:   fmt.Sprintf(format, args...),
	})
}

// Port publishes on the queue of a port that has no identity yet.
func (b *Bus) Port(port types.Port, kind types.MessageKind, format string, args ...any) {
	b.Publish(types.Message{
		Key:  PortKey(port),
		Port: port,
		Kind: kind,
		Text: fmt.Sprintf(format, args...),
	})
}

// Log writes a diagnostic to slog and to the shared log queue. Warnings
// and errors are published as alerts.
func (b *Bus) Log(level slog.Level, msg string, args ...any) {
	slog.Log(context.Background(), level, msg, args...)
	kind := types.KindLog
	if level >= slog.LevelWarn {
		kind = types.KindAlert
	}
	b.Publish(types.Message{Key: LogKey, Kind: kind, Text: formatAttrs(msg, args)})
}

// Dropped returns how many messages were discarded on full queues.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Drain removes every queued message without blocking. Per-queue order is
// preserved; the log queue comes last.
func (b *Bus) Drain() []types.Message {
	b.mu.Lock()
	keys := make([]string, 0, len(b.queues))
	for k := range b.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	chans := make([]chan types.Message, 0, len(keys)+1)
	for _, k := range keys {
		chans = append(chans, b.queues[k])
	}
	b.mu.Unlock()
	chans = append(chans, b.log)

	var out []types.Message
	for _, ch := range chans {
	drain:
		for {
			select {
			case msg := <-ch:
				out = append(out, msg)
			default:
				break drain
			}
		}
	}
	return out
}

// Loop is the presentation loop. Every tick it drains all queues and hands
// the messages to the registry. It returns after a final drain once ctx is
// done.
func Loop(ctx context.Context, b *Bus, tick time.Duration, reg *delivery.Registry) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	deliver := func() {
		for _, msg := range b.Drain() {
			if err := reg.Deliver(msg); err != nil {
				slog.Debug("message not delivered", "key", msg.Key, "error", err)
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			deliver()
			return
		case <-ticker.C:
			deliver()
		}
	}
}

func formatAttrs(msg string, args []any) string {
	s := msg
	for i := 0; i+1 < len(args); i += 2 {
		s += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	return s
}
