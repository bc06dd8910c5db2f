package netmon_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tonimelisma/melisma/internal/netmon"
	"github.com/tonimelisma/melisma/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// switchProber fails while down is set.
type switchProber struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (p *switchProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.down.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestCheckPublishesTransitions(t *testing.T) {
	p := &switchProber{}
	m := netmon.New(p, time.Hour, discard)
	ctx := context.Background()

	if !m.Check(ctx) || !m.Online().Value() {
		t.Fatal("want online initially")
	}
	p.down.Store(true)
	if m.Check(ctx) || m.Online().Value() {
		t.Error("want offline after failed probe")
	}
	p.down.Store(false)
	if !m.Check(ctx) || !m.Online().Value() {
		t.Error("want online after successful probe")
	}
}

func TestCheckCancelledKeepsState(t *testing.T) {
	m := netmon.New(netmon.ProberFunc(func(ctx context.Context) error {
		return ctx.Err()
	}), time.Hour, discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !m.Check(ctx) {
		t.Error("cancelled probe flipped state to offline")
	}
}

func TestRunProbesImmediatelyAndOnRecheck(t *testing.T) {
	p := &switchProber{}
	p.down.Store(true)
	m := netmon.New(p, time.Hour, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	testutil.WaitState(t, m.Online(), "offline", func(up bool) bool { return !up })

	p.down.Store(false)
	m.Recheck()
	testutil.WaitState(t, m.Online(), "online", func(up bool) bool { return up })
	if n := p.calls.Load(); n < 2 {
		t.Errorf("probe calls = %d, want at least 2", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := netmon.New(&switchProber{}, time.Millisecond, discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := netmon.DialProber{Address: addr, Timeout: time.Second}
	testutil.MustNoErr(t, p.Probe(context.Background()), "probe listening address")

	ln.Close()
	if err := p.Probe(context.Background()); err == nil {
		t.Error("Probe() of closed listener = nil, want error")
	}
}
