package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

func TestStaticMonitor(t *testing.T) {
	m := NewStaticMonitor(false)
	assert.False(t, m.Status())

	got := make(chan bool, 4)
	unsubscribe := m.Subscribe(func(online bool) { got <- online })
	defer unsubscribe()

	m.Set(true)
	m.Set(true)
	m.Set(false)

	assert.True(t, <-got)
	assert.False(t, <-got)
	select {
	case v := <-got:
		t.Fatalf("unexpected transition %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestProbeMonitor_Transitions(t *testing.T) {
	var fail atomic.Bool
	prober := ProberFunc(func(context.Context) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	clk := testingclock.NewFakeClock(time.Now())
	m := NewProbeMonitor(prober, time.Second, time.Second, loggy.NewNoopLogger(), WithClock(clk))
	assert.False(t, m.Status())

	got := make(chan bool, 4)
	defer m.Subscribe(func(online bool) { got <- online })()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.True(t, <-got)

	fail.Store(true)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)
	assert.False(t, <-got)
	assert.False(t, m.Status())

	cancel()
	assert.NoError(t, <-done)
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL+"/health")
	assert.NoError(t, probe.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, probe.Probe(context.Background()))

	srv.Close()
	assert.Error(t, probe.Probe(context.Background()))
}
