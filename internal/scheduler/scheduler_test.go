// internal/scheduler/scheduler_test.go
package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32

	sched := New()
	if err := sched.Every("reconcile", time.Second, func() { fires.Add(1) }); err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerRemove(t *testing.T) {
	var fires atomic.Int32

	sched := New()
	if err := sched.Add("flush", "* * * * * *", func() { fires.Add(1) }); err != nil {
		t.Fatal(err)
	}
	sched.Remove("flush")
	sched.Start()
	defer sched.Stop()

	time.Sleep(1500 * time.Millisecond)
	if fires.Load() != 0 {
		t.Errorf("expected removed job not to fire, got %d fires", fires.Load())
	}
	if len(sched.Jobs()) != 0 {
		t.Errorf("expected no jobs, got %v", sched.Jobs())
	}
}

func TestSchedulerReplacesByName(t *testing.T) {
	sched := New()
	sched.Every("flush", 5*time.Second, func() {})
	sched.Every("flush", 10*time.Second, func() {})
	sched.Every("reconcile", 5*time.Second, func() {})

	jobs := sched.Jobs()
	if len(jobs) != 2 || jobs[0] != "flush" || jobs[1] != "reconcile" {
		t.Errorf("unexpected jobs %v", jobs)
	}
}

func TestSchedulerInvalid(t *testing.T) {
	sched := New()
	if err := sched.Add("bad", "not a schedule", func() {}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := sched.Every("zero", 0, func() {}); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var running, overlaps atomic.Int32

	sched := New()
	sched.Add("slow", "* * * * * *", func() {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(1500 * time.Millisecond)
		running.Add(-1)
	})
	sched.Start()
	time.Sleep(3200 * time.Millisecond)
	sched.Stop()

	if overlaps.Load() != 0 {
		t.Errorf("expected no overlapping runs, got %d", overlaps.Load())
	}
}
