// Package connectivity tells the sync engine whether the server is reachable.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/tildaslashalef/fieldsync/internal/event"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

// Monitor reports reachability and publishes transitions
type Monitor interface {
	// Status reports whether the server is currently reachable
	Status() bool

	// Subscribe registers fn for online/offline transitions
	Subscribe(fn func(online bool)) func()
}

// state is the transition bookkeeping shared by the monitors
type state struct {
	mu     sync.RWMutex
	online bool
	events *event.Broadcaster[bool]
}

func newState(online bool) *state {
	return &state{online: online, events: event.NewBroadcaster[bool](event.DefaultBuffer)}
}

func (s *state) Status() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *state) Subscribe(fn func(bool)) func() {
	return s.events.Subscribe(fn)
}

// set records online and reports whether it changed
func (s *state) set(online bool) bool {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		s.events.Publish(online)
	}
	return changed
}

// StaticMonitor is a Monitor whose state is set by hand
type StaticMonitor struct {
	*state
}

// NewStaticMonitor creates a monitor starting at online
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{state: newState(online)}
}

// Set changes the reported state
func (m *StaticMonitor) Set(online bool) {
	m.set(online)
}

// Prober checks reachability once
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProbe returns a Prober that GETs url and expects a 2xx response
func HTTPProbe(client *http.Client, url string) Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return ProberFunc(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe %s returned %d", url, resp.StatusCode)
		}
		return nil
	})
}

// ProbeMonitor polls a Prober. It starts offline, so the first successful
// probe is reported as a transition.
type ProbeMonitor struct {
	*state
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	clock    clock.WithTicker
	logger   *loggy.Logger
}

// ProbeOption configures a ProbeMonitor
type ProbeOption func(*ProbeMonitor)

// WithClock sets the clock driving the probe ticker
func WithClock(c clock.WithTicker) ProbeOption {
	return func(m *ProbeMonitor) { m.clock = c }
}

// NewProbeMonitor creates a monitor probing every interval
func NewProbeMonitor(prober Prober, interval, timeout time.Duration, logger *loggy.Logger, opts ...ProbeOption) *ProbeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &ProbeMonitor{
		state:    newState(false),
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		clock:    clock.RealClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check probes once and updates the state
func (m *ProbeMonitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	online := err == nil
	if m.set(online) {
		if online {
			m.logger.Info("Server reachable")
		} else {
			m.logger.Warn("Server unreachable", "error", err)
		}
	}
	return online
}

// Run probes until ctx is done
func (m *ProbeMonitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			m.Check(ctx)
		}
	}
}
