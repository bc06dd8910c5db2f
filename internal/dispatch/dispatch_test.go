package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScope(t *testing.T) *Scope {
	t.Helper()
	s := NewScope(context.Background(), nil)
	t.Cleanup(s.Close)
	return s
}

func TestLaunchRunsAndCompletes(t *testing.T) {
	s := newTestScope(t)
	var ran atomic.Bool
	j := s.Launch("work", func(ctx context.Context) { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !ran.Load() {
		t.Error("job function did not run")
	}
	if j.IsActive() {
		t.Error("IsActive() = true after completion")
	}
	if j.ID() == "" || j.Name() != "work" {
		t.Errorf("job id/name = %q/%q", j.ID(), j.Name())
	}
}

func TestJobCancel(t *testing.T) {
	s := newTestScope(t)
	started := make(chan struct{})
	j := s.Launch("blocker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started
	if !j.IsActive() {
		t.Fatal("IsActive() = false while blocked")
	}
	j.Cancel()
	select {
	case <-j.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop after Cancel")
	}
}

func TestCloseCancelsJobsAndWaits(t *testing.T) {
	s := NewScope(context.Background(), nil)
	var stopped atomic.Bool
	started := make(chan struct{})
	s.Launch("blocker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		stopped.Store(true)
	})
	<-started
	s.Close()
	if !stopped.Load() {
		t.Error("Close() returned before job finished")
	}

	j := s.Launch("late", func(ctx context.Context) { t.Error("job ran on closed scope") })
	if j.IsActive() {
		t.Error("job launched on closed scope is active")
	}
}

func TestLaunchRecoversPanic(t *testing.T) {
	s := newTestScope(t)
	j := s.Launch("boom", func(ctx context.Context) { panic("boom") })
	select {
	case <-j.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("panicking job never finished")
	}
}

func TestSerialRunsInOrder(t *testing.T) {
	s := newTestScope(t)
	q := s.Serial("q")

	var got []int
	for i := 0; i < 50; i++ {
		q.Go(func() { got = append(got, i) })
	}
	q.Do(func() {})

	if len(got) != 50 {
		t.Fatalf("ran %d functions, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSerialGoFromInsideQueue(t *testing.T) {
	s := newTestScope(t)
	q := s.Serial("q")

	var order []string
	q.Do(func() {
		order = append(order, "outer")
		q.Go(func() { order = append(order, "inner") })
	})
	q.Do(func() {})

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}

func TestSerialAfterClose(t *testing.T) {
	s := NewScope(context.Background(), nil)
	q := s.Serial("q")
	s.Close()
	if q.Go(func() {}) {
		t.Error("Go() = true after Close")
	}
	if q.Do(func() {}) {
		t.Error("Do() = true after Close")
	}
}
