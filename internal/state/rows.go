// internal/state/rows.go
package state

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/fedlink/internal/types"
)

// RowBuffer holds every accepted row of a session per device, in read
// order. It is written to disk once, when the session stops.
type RowBuffer struct {
	mu   sync.Mutex
	rows map[types.DeviceID][][]string
}

func NewRowBuffer() *RowBuffer {
	return &RowBuffer{rows: make(map[types.DeviceID][][]string)}
}

// Append adds one row for id.
func (b *RowBuffer) Append(id types.DeviceID, row []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[id] = append(b.rows[id], row)
}

// Len returns the number of rows buffered for id.
func (b *RowBuffer) Len(id types.DeviceID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows[id])
}

// Counts returns the number of rows per device.
func (b *RowBuffer) Counts() map[types.DeviceID]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[types.DeviceID]int, len(b.rows))
	for id, rows := range b.rows {
		out[id] = len(rows)
	}
	return out
}

// CSVName is the local output file name for a device's rows.
func CSVName(id types.DeviceID, start time.Time) string {
	return fmt.Sprintf("device_%s_%s.csv", id, start.Format("20060102_150405"))
}

// WriteCSV writes one header-plus-rows file per device into dir and
// returns the written paths. Every file is written atomically.
func (b *RowBuffer) WriteCSV(dir string, header []string, start time.Time) (map[types.DeviceID]string, error) {
	b.mu.Lock()
	ids := make([]types.DeviceID, 0, len(b.rows))
	for id := range b.rows {
		ids = append(ids, id)
	}
	snapshot := make(map[types.DeviceID][][]string, len(b.rows))
	for id, rows := range b.rows {
		snapshot[id] = rows[:len(rows):len(rows)]
	}
	b.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	files := make(map[types.DeviceID]string, len(ids))
	for _, id := range ids {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(header); err != nil {
			return files, fmt.Errorf("encode header for device %s: %w", id, err)
		}
		if err := w.WriteAll(snapshot[id]); err != nil {
			return files, fmt.Errorf("encode rows for device %s: %w", id, err)
		}

		path := filepath.Join(dir, CSVName(id, start))
		if err := writeAtomic(path, buf.Bytes()); err != nil {
			return files, fmt.Errorf("write %s: %w", path, err)
		}
		files[id] = path
	}
	return files, nil
}
