package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/fedlink/internal/types"
)

type fakeSink struct {
	mu       sync.Mutex
	ensured  []string
	calls    [][][]string
	titles   []string
	failures []error
	block    chan struct{}
}

func (s *fakeSink) EnsureSheet(ctx context.Context, title string, header []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = append(s.ensured, title)
	return nil
}

func (s *fakeSink) AppendRows(ctx context.Context, title string, rows [][]string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return err
		}
	}
	s.calls = append(s.calls, append([][]string(nil), rows...))
	s.titles = append(s.titles, title)
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		Retryable:    quotaOnly,
	}
}

func row(i int) []string { return []string{fmt.Sprintf("r%d", i)} }

func TestTickBatchesRows(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, testPolicy(), 2, nil)

	for i := 0; i < 25; i++ {
		p.Add("7", row(i))
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if sink.callCount() != 1 {
		t.Fatalf("expected exactly one batch call, got %d", sink.callCount())
	}
	if len(sink.calls[0]) != 25 {
		t.Errorf("expected 25 rows in the batch, got %d", len(sink.calls[0]))
	}
	if sink.calls[0][0][0] != "r0" || sink.calls[0][24][0] != "r24" {
		t.Error("expected insertion order preserved")
	}
	if sink.titles[0] != "Device_7" || len(sink.ensured) != 1 {
		t.Errorf("unexpected sheet handling: titles=%v ensured=%v", sink.titles, sink.ensured)
	}
	if p.Pending("7") != 0 {
		t.Errorf("expected cache cleared, got %d pending", p.Pending("7"))
	}
}

func TestTickRetriesRateLimit(t *testing.T) {
	sink := &fakeSink{failures: []error{errQuota, errQuota}}
	p := New(sink, testPolicy(), 1, nil)
	p.Add("1", row(0))

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if sink.callCount() != 1 {
		t.Errorf("expected one accepted batch, got %d", sink.callCount())
	}
}

func TestTickKeepsCacheOnFailure(t *testing.T) {
	sink := &fakeSink{failures: []error{errors.New("permission denied")}}
	p := New(sink, testPolicy(), 1, nil)
	p.Add("1", row(0))
	p.Add("1", row(1))

	p.Tick(context.Background())
	p.Wait(context.Background())
	if p.Pending("1") != 2 {
		t.Fatalf("expected rows kept after failure, got %d", p.Pending("1"))
	}

	p.Add("1", row(2))
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.callCount() != 1 || len(sink.calls[0]) != 3 {
		t.Errorf("expected retained rows resent with the new one, got %v", sink.calls)
	}
}

func TestRowsArrivingDuringAppendStayCached(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	p := New(sink, testPolicy(), 1, nil)
	p.Add("1", row(0))
	p.Tick(context.Background())

	p.Add("1", row(1))
	p.Tick(context.Background())
	close(sink.block)
	p.Wait(context.Background())

	if sink.callCount() != 1 || len(sink.calls[0]) != 1 {
		t.Fatalf("expected one in-flight batch of one row, got %v", sink.calls)
	}
	if p.Pending("1") != 1 {
		t.Errorf("expected the late row to remain cached, got %d", p.Pending("1"))
	}
}

func TestAddJamSendsSingleRow(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, testPolicy(), 1, nil)
	p.Add("2", row(0))
	p.AddJam(context.Background(), "2", []string{"jam"})
	p.Wait(context.Background())

	if sink.callCount() != 1 || len(sink.calls[0]) != 1 || sink.calls[0][0][0] != "jam" {
		t.Fatalf("expected the jam alone, got %v", sink.calls)
	}
	if p.Pending("2") != 1 {
		t.Errorf("expected the batched row untouched, got %d pending", p.Pending("2"))
	}
}

func TestFlushReportsLeftovers(t *testing.T) {
	sink := &fakeSink{failures: []error{errors.New("permission denied")}}
	p := New(sink, testPolicy(), 1, nil)
	p.Add(types.DeviceID("4"), row(0))

	if err := p.Flush(context.Background()); err == nil {
		t.Fatal("expected error for unreplicated rows")
	}
}
