// Package flush replicates cached telemetry rows to the remote sheet on a
// timer, independently of the readers that fill the caches.
package flush

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/telemetry"
	"github.com/user/fedlink/internal/types"
)

// Sink is the remote spreadsheet.
type Sink interface {
	// EnsureSheet creates the named sheet with a header row if it is absent.
	EnsureSheet(ctx context.Context, title string, header []string) error
	AppendRows(ctx context.Context, title string, rows [][]string) error
}

// SheetName is the per-device sub-collection name.
func SheetName(id types.DeviceID) string {
	return "Device_" + string(id)
}

type cache struct {
	rows     [][]string
	jams     [][]string
	inflight bool
	ensured  bool
}

// Pipeline holds one cache of unacknowledged rows per device. Rows are
// removed from a cache only after the sink accepted them.
type Pipeline struct {
	sink   Sink
	policy *RetryPolicy
	sem    *semaphore.Weighted
	bus    *bus.Bus

	mu      sync.Mutex
	caches  map[types.DeviceID]*cache
	running int
	changed chan struct{}
}

// New creates a pipeline that runs at most maxConcurrent sink calls at once.
func New(sink Sink, policy *RetryPolicy, maxConcurrent int64, b *bus.Bus) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Pipeline{
		sink:    sink,
		policy:  policy,
		sem:     semaphore.NewWeighted(maxConcurrent),
		bus:     b,
		caches:  make(map[types.DeviceID]*cache),
		changed: make(chan struct{}),
	}
}

func (p *Pipeline) cacheFor(id types.DeviceID) *cache {
	c, ok := p.caches[id]
	if !ok {
		c = &cache{}
		p.caches[id] = c
	}
	return c
}

// Add appends a row to the device's cache.
func (p *Pipeline) Add(id types.DeviceID, row []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cacheFor(id)
	c.rows = append(c.rows, row)
}

// AddJam queues a synthetic jam row and sends it right away as a single
// row, outside the batch.
func (p *Pipeline) AddJam(ctx context.Context, id types.DeviceID, row []string) {
	p.mu.Lock()
	c := p.cacheFor(id)
	c.jams = append(c.jams, row)
	p.mu.Unlock()
	p.dispatch(ctx, id, false)
}

// Pending returns the number of unacknowledged rows for a device.
func (p *Pipeline) Pending(id types.DeviceID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.caches[id]; ok {
		return len(c.rows) + len(c.jams)
	}
	return 0
}

// Tick starts one batch append for every device with cached rows and no
// append in flight. It does not wait for the appends.
func (p *Pipeline) Tick(ctx context.Context) {
	p.mu.Lock()
	ids := make([]types.DeviceID, 0, len(p.caches))
	for id := range p.caches {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p.dispatch(ctx, id, true)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, id types.DeviceID, withRows bool) {
	p.mu.Lock()
	c := p.caches[id]
	if c == nil || c.inflight || (len(c.jams) == 0 && (!withRows || len(c.rows) == 0)) {
		p.mu.Unlock()
		return
	}
	c.inflight = true
	jams := append([][]string(nil), c.jams...)
	var rows [][]string
	if withRows {
		rows = append(rows, c.rows...)
	}
	ensured := c.ensured
	p.running++
	p.mu.Unlock()

	go func() {
		defer p.done()
		p.send(ctx, id, ensured, jams, rows)
	}()
}

func (p *Pipeline) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running--
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pipeline) send(ctx context.Context, id types.DeviceID, ensured bool, jams, rows [][]string) {
	var sentJams, sentRows int
	defer func() {
		p.mu.Lock()
		c := p.caches[id]
		c.jams = c.jams[sentJams:]
		c.rows = c.rows[sentRows:]
		c.inflight = false
		if ensured {
			c.ensured = true
		}
		p.mu.Unlock()
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	title := SheetName(id)
	if !ensured {
		if err := p.sink.EnsureSheet(ctx, title, telemetry.Columns); err != nil {
			p.bus.Log(slog.LevelWarn, "ensure sheet failed", "device", string(id), "error", err)
			return
		}
		ensured = true
	}

	for _, jam := range jams {
		if err := p.appendBatch(ctx, id, title, [][]string{jam}); err != nil {
			return
		}
		sentJams++
	}
	if len(rows) == 0 {
		return
	}
	if err := p.appendBatch(ctx, id, title, rows); err != nil {
		return
	}
	sentRows = len(rows)
	slog.Debug("rows replicated", "device", string(id), "rows", len(rows))
}

func (p *Pipeline) appendBatch(ctx context.Context, id types.DeviceID, title string, rows [][]string) error {
	err := p.policy.Execute(ctx, func(attempt int) error {
		err := p.sink.AppendRows(ctx, title, rows)
		if err != nil && p.policy.ShouldRetry(err, attempt) {
			slog.Warn("append rate limited, backing off", "device", string(id), "attempt", attempt, "delay", p.policy.NextDelay(attempt))
		}
		return err
	})
	if err != nil {
		p.bus.Log(slog.LevelWarn, "append rows failed, keeping cache", "device", string(id), "rows", len(rows), "error", err)
	}
	return err
}

// Wait blocks until no append is in flight or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.running == 0 {
			p.mu.Unlock()
			return nil
		}
		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush waits for in-flight appends, makes one final attempt for every
// cache, and reports how many rows remain unreplicated.
func (p *Pipeline) Flush(ctx context.Context) error {
	if err := p.Wait(ctx); err != nil {
		return err
	}
	p.Tick(ctx)
	if err := p.Wait(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	left := 0
	for _, c := range p.caches {
		left += len(c.rows) + len(c.jams)
	}
	if left > 0 {
		return fmt.Errorf("%d rows not replicated", left)
	}
	return nil
}
