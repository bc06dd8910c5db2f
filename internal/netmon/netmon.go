// Package netmon watches network reachability and publishes it as a
// boolean state, true while online.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tonimelisma/melisma/internal/flow"
)

const defaultInterval = 30 * time.Second

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// DialProber reports online when a TCP connection to Address succeeds.
type DialProber struct {
	Address string
	Timeout time.Duration
}

// Probe implements Prober.
func (p DialProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Address, err)
	}
	return conn.Close()
}

// Monitor probes periodically and publishes transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger
	online   *flow.State[bool]
	trigger  chan struct{}
}

// New creates a Monitor. It starts out online so that the first probe
// only publishes when the network is actually down.
func New(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger.With("component", "netmon"),
		online:   flow.NewState(true),
		trigger:  make(chan struct{}, 1),
	}
}

// Online returns the connectivity state.
func (m *Monitor) Online() *flow.State[bool] { return m.online }

// Recheck asks a running monitor to probe now.
func (m *Monitor) Recheck() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
		}
		m.Check(ctx)
	}
}

// Check probes once, publishes the result if it changed and returns it.
// A probe interrupted by ctx leaves the state unchanged.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return m.online.Value()
	}
	up := err == nil
	if prev := m.online.Value(); prev != up {
		if up {
			m.logger.Info("network is back online")
		} else {
			m.logger.Warn("network is offline", "error", err)
		}
		m.online.Set(up)
	}
	return up
}
