package flow

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestStateValueAndSet(t *testing.T) {
	s := NewState(1)
	if got := s.Value(); got != 1 {
		t.Errorf("Value() = %d, want 1", got)
	}
	s.Set(2)
	if got := s.Value(); got != 2 {
		t.Errorf("Value() after Set = %d, want 2", got)
	}
	if got := s.Update(func(v int) int { return v * 10 }); got != 20 {
		t.Errorf("Update() = %d, want 20", got)
	}
}

func TestSubscribeReceivesCurrentValueFirst(t *testing.T) {
	s := NewState("a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	if got := <-ch; got != "a" {
		t.Errorf("first value = %q, want %q", got, "a")
	}
	s.Set("b")
	if got := <-ch; got != "b" {
		t.Errorf("second value = %q, want %q", got, "b")
	}
}

func TestSubscribeConflates(t *testing.T) {
	s := NewState(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	for i := 1; i <= 100; i++ {
		s.Set(i)
	}
	if got := <-ch; got != 100 {
		t.Errorf("conflated value = %d, want 100", got)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected extra value %d", v)
	default:
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := NewState(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// A racing Set may have slipped in; the next receive must close.
			if _, ok := <-ch; ok {
				t.Fatal("channel still open after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Subscribers() = %d, want 0", s.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
	// Set after unsubscribe must not panic on the closed channel.
	s.Set(5)
}

func TestWaitFor(t *testing.T) {
	s := NewState(0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 5; i++ {
			s.Set(i)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := WaitFor(ctx, s, func(v int) bool { return v == 5 })
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	if got != 5 {
		t.Errorf("WaitFor() = %d, want 5", got)
	}
	wg.Wait()
}

func TestWaitForTimeout(t *testing.T) {
	s := NewState(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := WaitFor(ctx, s, func(v int) bool { return v == 1 }); err == nil {
		t.Error("WaitFor() error = nil, want deadline error")
	}
}
