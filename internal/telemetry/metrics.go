// Package telemetry exposes sync engine metrics in the Prometheus format.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tildaslashalef/fieldsync/internal/conflict"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	fsync "github.com/tildaslashalef/fieldsync/internal/sync"
)

const namespace = "fieldsync"

// scrapeTimeout bounds the queue counts read on every scrape
const scrapeTimeout = 2 * time.Second

// QueueSource is read on every scrape
type QueueSource interface {
	Metrics(ctx context.Context) (outbox.Metrics, error)
	Health(ctx context.Context) (outbox.Health, error)
}

// Recorder turns engine events into Prometheus metrics
type Recorder struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	pushed        prometheus.Counter
	pulled        prometheus.Counter
	deferred      prometheus.Counter
	conflicts     *prometheus.CounterVec
	state         *prometheus.GaugeVec
	online        prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry. queue may be nil.
func NewRecorder(queue QueueSource, logger *loggy.Logger) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox operation lifecycle events by type.",
		}, []string{"event", "entity_type"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by trigger and result.",
		}, []string{"trigger", "result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushed_total",
			Help:      "Operations settled by the server.",
		}),
		pulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulled_total",
			Help:      "Pulled records applied locally.",
		}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deferred_total",
			Help:      "Pulled records deferred behind queued operations.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "resolutions_total",
			Help:      "Conflict resolutions by source and outcome.",
		}, []string{"source", "resolution"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "state",
			Help:      "1 for the orchestrator's current state.",
		}, []string{"state"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the server is reachable.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Completion time of the last successful cycle.",
		}),
	}

	r.registry.MustRegister(
		r.operations, r.cycles, r.cycleDuration, r.pushed, r.pulled, r.deferred,
		r.conflicts, r.state, r.online, r.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if queue != nil {
		r.registry.MustRegister(&queueCollector{source: queue, logger: logger})
	}
	return r
}

// Registry returns the registry holding every collector
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveOperation records a queue event
func (r *Recorder) ObserveOperation(e outbox.Event) {
	r.operations.WithLabelValues(string(e.Type), string(e.EntityType)).Inc()
}

// ObserveCycle records a finished sync cycle
func (r *Recorder) ObserveCycle(res fsync.CycleResult) {
	result := "success"
	if res.Err != nil {
		result = "error"
	}
	r.cycles.WithLabelValues(string(res.Trigger), result).Inc()
	r.cycleDuration.Observe(res.CompletedAt.Sub(res.StartedAt).Seconds())
	r.pushed.Add(float64(res.Pushed()))
	r.pulled.Add(float64(res.Pulled))
	if res.Deferred > 0 {
		r.deferred.Add(float64(res.Deferred))
	}
	if res.Err == nil {
		r.lastSuccess.Set(float64(res.CompletedAt.Unix()))
	}
}

// ObserveStatus records an orchestrator status change
func (r *Recorder) ObserveStatus(s fsync.Status) {
	for _, state := range []fsync.State{fsync.StateIdle, fsync.StateDraining, fsync.StatePulling, fsync.StateError} {
		v := 0.0
		if s.State == state {
			v = 1
		}
		r.state.WithLabelValues(string(state)).Set(v)
	}
	if s.Online {
		r.online.Set(1)
	} else {
		r.online.Set(0)
	}
}

// ObserveConflict records a conflict resolution
func (r *Recorder) ObserveConflict(e conflict.LogEntry) {
	r.conflicts.WithLabelValues(string(e.Source), string(e.Resolution)).Inc()
}

// Attach subscribes the recorder to the engine. Any argument may be nil. The
// returned function unsubscribes everything.
func (r *Recorder) Attach(queue *outbox.Queue, orch *fsync.Orchestrator, resolver *conflict.Resolver) func() {
	var unsubs []func()
	if queue != nil {
		unsubs = append(unsubs, queue.Subscribe(r.ObserveOperation))
	}
	if orch != nil {
		r.ObserveStatus(orch.Status())
		unsubs = append(unsubs, orch.Subscribe(r.ObserveStatus), orch.SubscribeCycles(r.ObserveCycle))
	}
	if resolver != nil {
		unsubs = append(unsubs, resolver.Subscribe(r.ObserveConflict))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// queueCollector reads the queue counters at scrape time
type queueCollector struct {
	source QueueSource
	logger *loggy.Logger
}

var (
	queueOperationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "outbox", "operations"),
		"Operations currently in the outbox by status.",
		[]string{"status"}, nil,
	)
	queueCompletedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "outbox", "completed_total"),
		"Operations completed since the outbox was created.",
		nil, nil,
	)
	queueOldestDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "outbox", "oldest_pending_age_seconds"),
		"Age of the oldest pending operation.",
		nil, nil,
	)
)

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueOperationsDesc
	ch <- queueCompletedDesc
	ch <- queueOldestDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	m, err := c.source.Metrics(ctx)
	if err != nil {
		c.logger.Warn("Failed to read outbox metrics", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(queueOperationsDesc, prometheus.GaugeValue, float64(m.Pending), string(outbox.StatusPending))
	ch <- prometheus.MustNewConstMetric(queueOperationsDesc, prometheus.GaugeValue, float64(m.Processing), string(outbox.StatusProcessing))
	ch <- prometheus.MustNewConstMetric(queueOperationsDesc, prometheus.GaugeValue, float64(m.Failed), string(outbox.StatusFailed))
	ch <- prometheus.MustNewConstMetric(queueCompletedDesc, prometheus.CounterValue, float64(m.Completed))

	h, err := c.source.Health(ctx)
	if err != nil {
		c.logger.Warn("Failed to read outbox health", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(queueOldestDesc, prometheus.GaugeValue, h.OldestPendingAge.Seconds())
}
