package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tonimelisma/melisma/internal/flow"
)

// WaitTimeout bounds every wait helper in this package.
const WaitTimeout = 3 * time.Second

// AssertStrings compares two string slices element-by-element.
func AssertStrings(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("got len %d, want %d: %v", len(got), len(want), got)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("at index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

// AssertContainsAll asserts that got contains every substring in subs.
func AssertContainsAll(t *testing.T, got string, subs []string) {
	t.Helper()
	for _, substr := range subs {
		if !strings.Contains(got, substr) {
			t.Errorf("result %q should contain %q", got, substr)
		}
	}
}

// MustNoErr fails the test immediately if err is non-nil.
// Use this for setup operations where failure means the test cannot proceed.
func MustNoErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// Eventually polls cond until it holds or WaitTimeout elapses.
func Eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// WaitState blocks until s holds a value satisfying pred and returns it.
func WaitState[T any](t *testing.T, s flow.Readable[T], msg string, pred func(T) bool) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()
	v, err := flow.WaitFor(ctx, s, pred)
	if err != nil {
		t.Fatalf("timed out waiting for state: %s (last %+v)", msg, s.Value())
	}
	return v
}

// Never asserts that cond stays false for d.
func Never(t *testing.T, d time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
