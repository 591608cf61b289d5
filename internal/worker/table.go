// Package worker tracks long-lived per-key goroutines so that each key has
// at most one running worker and every worker can be cancelled and joined.
package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Table maps a key (a port or a device identity) to its running worker.
type Table[K comparable] struct {
	name    string
	workers map[K]*handle
	mu      sync.Mutex
}

// NewTable creates an empty table. The name only appears in logs.
func NewTable[K comparable](name string) *Table[K] {
	return &Table[K]{
		name:    name,
		workers: make(map[K]*handle),
	}
}

// Start runs fn in a new goroutine under a context derived from parent.
// It returns false without starting anything if key already has a worker.
// A panicking worker is logged and deregistered; it never takes the
// process down.
func (t *Table[K]) Start(parent context.Context, key K, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.workers[key]; exists {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	t.workers[key] = h

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker panicked", "table", t.name, "key", key, "panic", r)
			}
			cancel()
			t.mu.Lock()
			if t.workers[key] == h {
				delete(t.workers, key)
			}
			t.mu.Unlock()
			close(h.done)
		}()
		fn(ctx)
	}()
	return true
}

// Stop cancels the worker for key and waits for it to return.
func (t *Table[K]) Stop(key K) {
	t.mu.Lock()
	h, ok := t.workers[key]
	if ok {
		delete(t.workers, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
}

// StopAll cancels every worker and waits for all of them.
func (t *Table[K]) StopAll() {
	t.mu.Lock()
	handles := make([]*handle, 0, len(t.workers))
	for key, h := range t.workers {
		handles = append(handles, h)
		delete(t.workers, key)
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// Running reports whether key currently has a worker.
func (t *Table[K]) Running(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.workers[key]
	return ok
}

// Len returns the number of running workers.
func (t *Table[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.workers)
}

// Keys returns the running keys in no particular order.
func (t *Table[K]) Keys() []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]K, 0, len(t.workers))
	for k := range t.workers {
		keys = append(keys, k)
	}
	return keys
}

// SortedKeys is Keys for string-like keys, sorted.
func SortedKeys[K ~string](t *Table[K]) []K {
	keys := t.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
