package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/fieldsync/internal/conflict"
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	fsync "github.com/tildaslashalef/fieldsync/internal/sync"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Metrics(ctx context.Context) (outbox.Metrics, error) {
	args := m.Called(ctx)
	return args.Get(0).(outbox.Metrics), args.Error(1)
}

func (m *mockQueue) Health(ctx context.Context) (outbox.Health, error) {
	args := m.Called(ctx)
	return args.Get(0).(outbox.Health), args.Error(1)
}

func TestRecorder_Observe(t *testing.T) {
	r := NewRecorder(nil, loggy.NewNoopLogger())

	r.ObserveOperation(outbox.Event{Type: outbox.EventCompleted, EntityType: entity.TypePin})
	r.ObserveOperation(outbox.Event{Type: outbox.EventCompleted, EntityType: entity.TypePin})
	r.ObserveOperation(outbox.Event{Type: outbox.EventFailed, EntityType: entity.TypeForm})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.operations.WithLabelValues("operation_completed", "pin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("operation_failed", "form")))

	start := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	r.ObserveCycle(fsync.CycleResult{
		Trigger:     fsync.TriggerManual,
		Batch:       outbox.BatchResult{Succeeded: 2, Superseded: 1},
		Pulled:      4,
		Deferred:    1,
		StartedAt:   start,
		CompletedAt: start.Add(300 * time.Millisecond),
	})
	r.ObserveCycle(fsync.CycleResult{Trigger: fsync.TriggerInterval, Err: errors.New("offline"), StartedAt: start, CompletedAt: start})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("manual", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("interval", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.pushed))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.pulled))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deferred))
	assert.Equal(t, float64(start.Add(300*time.Millisecond).Unix()), testutil.ToFloat64(r.lastSuccess))

	r.ObserveStatus(fsync.Status{State: fsync.StateDraining, Online: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.state.WithLabelValues("draining")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.state.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.online))

	r.ObserveConflict(conflict.LogEntry{Source: conflict.SourcePush, Resolution: conflict.ResolutionServerWins})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflicts.WithLabelValues("push", "server_wins")))
}

func TestRecorder_QueueCollector(t *testing.T) {
	q := &mockQueue{}
	q.On("Metrics", mock.Anything).Return(outbox.Metrics{Pending: 3, Processing: 1, Failed: 2, Completed: 40}, nil)
	q.On("Health", mock.Anything).Return(outbox.Health{OldestPendingAge: 90 * time.Second}, nil)

	r := NewRecorder(q, loggy.NewNoopLogger())

	expected := `
# HELP fieldsync_outbox_operations Operations currently in the outbox by status.
# TYPE fieldsync_outbox_operations gauge
fieldsync_outbox_operations{status="failed"} 2
fieldsync_outbox_operations{status="pending"} 3
fieldsync_outbox_operations{status="processing"} 1
# HELP fieldsync_outbox_completed_total Operations completed since the outbox was created.
# TYPE fieldsync_outbox_completed_total counter
fieldsync_outbox_completed_total 40
# HELP fieldsync_outbox_oldest_pending_age_seconds Age of the oldest pending operation.
# TYPE fieldsync_outbox_oldest_pending_age_seconds gauge
fieldsync_outbox_oldest_pending_age_seconds 90
`
	err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"fieldsync_outbox_operations", "fieldsync_outbox_completed_total", "fieldsync_outbox_oldest_pending_age_seconds")
	assert.NoError(t, err)
	q.AssertExpectations(t)
}

func TestRecorder_QueueCollectorError(t *testing.T) {
	q := &mockQueue{}
	q.On("Metrics", mock.Anything).Return(outbox.Metrics{}, outbox.ErrStorage)

	r := NewRecorder(q, loggy.NewNoopLogger())
	n, err := testutil.GatherAndCount(r.Registry(), "fieldsync_outbox_operations")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder(nil, loggy.NewNoopLogger())
	r.ObserveStatus(fsync.Status{State: fsync.StateIdle})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fieldsync_sync_state{state="idle"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecorder_ServeStopsWithContext(t *testing.T) {
	r := NewRecorder(nil, loggy.NewNoopLogger())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.serve(ctx, lis, loggy.NewNoopLogger()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
