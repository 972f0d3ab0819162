package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_RunOnceJobFiresOnceAndExits(t *testing.T) {
	var calls int32
	s := New(testLogger(), time.Second, 10*time.Millisecond)
	s.Register(Job{
		Name:    "one_shot",
		RunOnce: true,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestRun_IntervalJobRunsRepeatedly(t *testing.T) {
	var calls int32
	s := New(testLogger(), time.Second, 10*time.Millisecond)
	s.Register(Job{
		Name:     "ticking",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected at least 2 runs in the window, got %d", got)
	}
}

func TestExecute_CoalescesOverlappingRuns(t *testing.T) {
	var running int32
	var maxConcurrent int32
	release := make(chan struct{})

	s := New(testLogger(), time.Second, 10*time.Millisecond)
	job := Job{
		Name:    "slow",
		Timeout: time.Second,
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxConcurrent) {
				atomic.StoreInt32(&maxConcurrent, n)
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		},
	}

	done := make(chan struct{}, 2)
	go func() { s.execute(context.Background(), job); done <- struct{}{} }()
	go func() { s.execute(context.Background(), job); done <- struct{}{} }()

	time.Sleep(5 * time.Millisecond)
	close(release)
	<-done
	<-done

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("expected coalesced runs to never exceed 1 concurrent execution, got %d", maxConcurrent)
	}
}
