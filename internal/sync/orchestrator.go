package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/tildaslashalef/fieldsync/internal/conflict"
	"github.com/tildaslashalef/fieldsync/internal/connectivity"
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/event"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	"github.com/tildaslashalef/fieldsync/internal/realtime"
	"github.com/tildaslashalef/fieldsync/internal/remote"
	"github.com/tildaslashalef/fieldsync/internal/ulid"
)

// minRetryDelay keeps the retry timer from spinning on operations that
// became eligible while the last cycle was finishing
const minRetryDelay = time.Second

// ErrAlreadyRunning is returned by Run when the orchestrator is already running
var ErrAlreadyRunning = errors.New("orchestrator already running")

// Outbox is the part of the outbox queue the orchestrator drives
type Outbox interface {
	Drain(ctx context.Context) (outbox.BatchResult, error)
	Health(ctx context.Context) (outbox.Health, error)
	NextEligibleAt(ctx context.Context) (*time.Time, error)
}

// Reconciler applies pulled server state to the local store
type Reconciler interface {
	ApplyPulled(ctx context.Context, rec *remote.Record) (conflict.PullOutcome, error)
	ApplyRemoteDeletion(ctx context.Context, t entity.Type, id string, version int64) (conflict.PullOutcome, error)
}

// CursorStore persists the full pull position per entity type
type CursorStore interface {
	Cursor(ctx context.Context, entityType string) (time.Time, error)
	SetCursor(ctx context.Context, entityType string, t time.Time) error
}

// Orchestrator runs sync cycles: targeted pulls for realtime notifications,
// then a drain of the outbox, then a pull of everything changed since the
// stored cursor.
type Orchestrator struct {
	outbox     Outbox
	reconciler Reconciler
	gateway    remote.Gateway
	cursors    CursorStore
	history    Repository
	monitor    connectivity.Monitor
	channel    realtime.Channel
	clock      clock.WithTickerAndDelayedExecution
	interval   time.Duration
	logger     *loggy.Logger
	events     *event.Broadcaster[Status]
	cycles     *event.Broadcaster[CycleResult]

	mu      gosync.Mutex
	running bool
	pending *request
	status  Status
	retry   clock.Timer
	runCtx  context.Context
	wg      gosync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock sets the clock driving timers and timestamps
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithInterval enables the periodic sync timer while Run is active
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

// WithLogRepository records every cycle in r
func WithLogRepository(r Repository) Option {
	return func(o *Orchestrator) { o.history = r }
}

// WithConnectivity gates automatic triggers on m
func WithConnectivity(m connectivity.Monitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

// WithRealtime subscribes Run to server notifications from ch
func WithRealtime(ch realtime.Channel) Option {
	return func(o *Orchestrator) { o.channel = ch }
}

// NewOrchestrator creates an idle orchestrator
func NewOrchestrator(queue Outbox, reconciler Reconciler, gateway remote.Gateway, cursors CursorStore, logger *loggy.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		outbox:     queue,
		reconciler: reconciler,
		gateway:    gateway,
		cursors:    cursors,
		clock:      clock.RealClock{},
		logger:     logger,
		events:     event.NewBroadcaster[Status](event.DefaultBuffer),
		cycles:     event.NewBroadcaster[CycleResult](event.DefaultBuffer),
		status:     Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe registers fn for every status change
func (o *Orchestrator) Subscribe(fn func(Status)) func() {
	return o.events.Subscribe(fn)
}

// SubscribeCycles registers fn for every finished cycle
func (o *Orchestrator) SubscribeCycles(fn func(CycleResult)) func() {
	return o.cycles.Subscribe(fn)
}

// Status returns the current snapshot
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot()
}

// snapshot must be called with mu held
func (o *Orchestrator) snapshot() Status {
	s := o.status
	s.Online = o.online()
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		s.LastSyncedAt = &t
	}
	return s
}

func (o *Orchestrator) online() bool {
	return o.monitor == nil || o.monitor.Status()
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	s := o.snapshot()
	o.mu.Unlock()
	o.events.Publish(s)
}

// SyncNow runs a full cycle regardless of connectivity and waits for it. When
// a cycle is already running the request is merged into the follow-up cycle.
func (o *Orchestrator) SyncNow(ctx context.Context) (CycleResult, error) {
	done := make(chan CycleResult, 1)
	o.trigger(ctx, request{
		trigger:  TriggerManual,
		manual:   true,
		fullPull: true,
		waiters:  []chan CycleResult{done},
	})

	select {
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	case res := <-done:
		return res, res.Err
	}
}

// trigger starts a cycle for req or merges it into the pending request. It
// reports whether the request was accepted.
func (o *Orchestrator) trigger(ctx context.Context, req request) bool {
	if ctx.Err() != nil {
		return false
	}
	if !req.manual && !o.online() {
		o.logger.Debug("Sync trigger ignored while offline", "trigger", req.trigger)
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		if o.pending == nil {
			p := req
			o.pending = &p
		} else {
			o.pending.merge(req)
		}
		return true
	}

	loopCtx := ctx
	if o.runCtx != nil {
		loopCtx = o.runCtx
	}
	o.running = true
	o.wg.Add(1)
	go o.loop(loopCtx, req)
	return true
}

func (o *Orchestrator) loop(ctx context.Context, req request) {
	defer o.wg.Done()

	for {
		res := o.cycle(ctx, req)
		for _, w := range req.waiters {
			w <- res
		}

		o.mu.Lock()
		next := o.pending
		o.pending = nil
		if next == nil || ctx.Err() != nil {
			o.running = false
			o.mu.Unlock()
			if next != nil {
				for _, w := range next.waiters {
					w <- CycleResult{Trigger: next.trigger, Err: ctx.Err()}
				}
			}
			o.scheduleRetry()
			return
		}
		o.mu.Unlock()
		req = *next
	}
}

func (o *Orchestrator) cycle(ctx context.Context, req request) CycleResult {
	res := CycleResult{
		ID:        ulid.CycleID(),
		Trigger:   req.trigger,
		StartedAt: o.clock.Now(),
	}
	logger := o.logger.With("cycle_id", res.ID, "trigger", req.trigger)
	ctx = loggy.WithLogger(ctx, logger)
	logger.Debug("Sync cycle started", "targets", len(req.targets), "full_pull", req.fullPull)

	o.update(func(s *Status) {
		s.CycleID = res.ID
		s.Trigger = req.trigger
	})

	res.Err = o.run(ctx, req, &res, logger)
	res.CompletedAt = o.clock.Now()
	o.finish(ctx, res, logger)
	return res
}

func (o *Orchestrator) setState(state State) {
	o.update(func(s *Status) { s.State = state })
}

func (o *Orchestrator) run(ctx context.Context, req request, res *CycleResult, logger *loggy.Logger) error {
	var deferred []target
	if len(req.targets) > 0 {
		o.setState(StatePulling)
		for _, t := range req.targets {
			outcome, err := o.pullTarget(ctx, t)
			if err != nil {
				return fmt.Errorf("pulling %s: %w", t.key(), err)
			}
			res.count(outcome)
			if outcome == conflict.PullDeferred {
				deferred = append(deferred, t)
			}
		}
	}

	if req.skipDrain && len(deferred) == 0 && !req.fullPull {
		return nil
	}

	o.setState(StateDraining)
	batch, err := o.outbox.Drain(ctx)
	res.Batch = batch
	if err != nil {
		return fmt.Errorf("draining outbox: %w", err)
	}
	if batch.Processed > 0 {
		logger.Info("Outbox drained",
			"processed", batch.Processed,
			"succeeded", batch.Succeeded,
			"superseded", batch.Superseded,
			"retried", batch.Retried,
			"failed", batch.Failed)
	}

	if len(deferred) == 0 && !req.fullPull {
		return nil
	}

	o.setState(StatePulling)
	for _, t := range deferred {
		// the second attempt supersedes the first, which was only deferred
		res.Deferred--
		outcome, err := o.pullTarget(ctx, t)
		if err != nil {
			return fmt.Errorf("pulling %s: %w", t.key(), err)
		}
		res.count(outcome)
	}

	if req.fullPull {
		for _, t := range entity.Types {
			if err := o.pullAll(ctx, t, res, logger); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) pullTarget(ctx context.Context, t target) (conflict.PullOutcome, error) {
	if t.Deleted {
		return o.reconciler.ApplyRemoteDeletion(ctx, t.Type, t.ID, t.Version)
	}

	rec, err := o.gateway.PullByID(ctx, t.Type, t.ID)
	if remote.KindOf(err) == remote.KindNotFound {
		return o.reconciler.ApplyRemoteDeletion(ctx, t.Type, t.ID, 0)
	}
	if err != nil {
		return "", err
	}
	return o.reconciler.ApplyPulled(ctx, rec)
}

// pullAll applies every record of t changed since the cursor. The cursor
// never moves past a deferred record, so the next full pull sees it again.
func (o *Orchestrator) pullAll(ctx context.Context, t entity.Type, res *CycleResult, logger *loggy.Logger) error {
	since, err := o.cursors.Cursor(ctx, string(t))
	if err != nil {
		return fmt.Errorf("reading %s cursor: %w", t, err)
	}

	records, err := o.gateway.PullAllSince(ctx, t, since)
	if err != nil {
		return fmt.Errorf("pulling %ss: %w", t, err)
	}

	next := since
	var floor *time.Time
	for _, rec := range records {
		outcome, err := o.reconciler.ApplyPulled(ctx, rec)
		if err != nil {
			return fmt.Errorf("applying %s %s: %w", t, rec.ID, err)
		}
		res.count(outcome)

		if outcome == conflict.PullDeferred && (floor == nil || rec.UpdatedAt.Before(*floor)) {
			at := rec.UpdatedAt
			floor = &at
		}
		if rec.UpdatedAt.After(next) {
			next = rec.UpdatedAt
		}
	}
	if floor != nil && floor.Before(next) {
		next = *floor
	}

	if next.After(since) {
		if err := o.cursors.SetCursor(ctx, string(t), next); err != nil {
			return fmt.Errorf("advancing %s cursor: %w", t, err)
		}
	}
	logger.Debug("Full pull applied", "entity_type", t, "records", len(records), "since", since, "cursor", next)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, res CycleResult, logger *loggy.Logger) {
	// bookkeeping outlives a cancelled cycle
	bg := context.WithoutCancel(ctx)

	health, herr := o.outbox.Health(bg)
	if herr != nil {
		logger.Warn("Failed to read outbox health", "error", herr)
	}

	o.update(func(s *Status) {
		if herr == nil {
			s.Pending = health.PendingOperations + health.Processing
			s.Failed = health.Failed
		}
		if res.Err != nil {
			s.State = StateError
			s.LastError = res.Err.Error()
			return
		}
		s.State = StateIdle
		s.LastError = ""
		at := res.CompletedAt
		s.LastSyncedAt = &at
	})

	o.cycles.Publish(res)

	if o.history != nil {
		if err := o.history.CreateSyncLog(bg, res.Log()); err != nil {
			logger.Warn("Failed to record sync log", "error", err)
		}
	}

	if res.Err != nil {
		logger.Error("Sync cycle failed", "error", res.Err, "error_type", classify(res.Err))
		return
	}
	logger.Info("Sync cycle completed",
		"pushed", res.Pushed(),
		"pulled", res.Pulled,
		"deferred", res.Deferred,
		"duration", res.CompletedAt.Sub(res.StartedAt))
}

// scheduleRetry arms the retry timer for the earliest pending operation.
// Only active while Run is.
func (o *Orchestrator) scheduleRetry() {
	o.mu.Lock()
	runCtx := o.runCtx
	o.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}

	next, err := o.outbox.NextEligibleAt(runCtx)
	if err != nil {
		o.logger.Warn("Failed to read next retry time", "error", err)
		return
	}
	if next == nil {
		return
	}
	d := next.Sub(o.clock.Now())
	if d < minRetryDelay {
		d = minRetryDelay
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != runCtx {
		return
	}
	if o.retry != nil {
		o.retry.Stop()
	}
	o.retry = o.clock.AfterFunc(d, func() {
		go o.trigger(runCtx, request{trigger: TriggerRetry})
	})
	o.logger.Debug("Retry scheduled", "in", d)
}

// Run reacts to connectivity changes, realtime notifications and the
// periodic timer until ctx is done. Cycles started by Run finish before it
// returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.runCtx != nil {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.runCtx = ctx
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.retry != nil {
			o.retry.Stop()
			o.retry = nil
		}
		o.runCtx = nil
		o.mu.Unlock()
		o.wg.Wait()
	}()

	if o.history != nil {
		last, err := o.history.GetLatestSuccess(ctx)
		if err != nil {
			o.logger.Warn("Failed to read sync history", "error", err)
		} else if last != nil {
			o.update(func(s *Status) {
				if s.LastSyncedAt == nil {
					at := last.CompletedAt
					s.LastSyncedAt = &at
				}
			})
		}
	}

	if o.monitor != nil {
		defer o.monitor.Subscribe(func(online bool) { o.onConnectivity(ctx, online) })()
	}
	if o.channel != nil {
		defer o.channel.Subscribe(func(msg realtime.Message) { o.handleMessage(ctx, msg) })()
	}

	health, err := o.outbox.Health(ctx)
	if err != nil {
		o.logger.Warn("Failed to read outbox health", "error", err)
	} else if health.PendingOperations > 0 {
		o.trigger(ctx, request{trigger: TriggerStart, fullPull: true})
	}

	var tick <-chan time.Time
	if o.interval > 0 {
		ticker := o.clock.NewTicker(o.interval)
		defer ticker.Stop()
		tick = ticker.C()
	}

	o.logger.Info("Sync orchestrator running", "interval", o.interval, "online", o.online())
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Sync orchestrator stopping")
			return nil
		case <-tick:
			o.trigger(ctx, request{trigger: TriggerInterval, fullPull: true})
		}
	}
}

func (o *Orchestrator) onConnectivity(ctx context.Context, online bool) {
	o.update(func(*Status) {})
	if !online {
		o.logger.Info("Offline, automatic sync paused")
		return
	}
	o.logger.Info("Back online, syncing")
	o.trigger(ctx, request{trigger: TriggerConnectivity, fullPull: true})
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg realtime.Message) {
	var t target
	switch msg.Type {
	case realtime.TypePing, realtime.TypePong, realtime.TypeWelcome, realtime.TypeSystem:
		o.logger.Debug("Realtime message ignored", "type", msg.Type, "action", msg.Action)
		return
	case realtime.TypeImage:
		id := msg.AggregateID
		var p realtime.ImagePayload
		if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &p) == nil && p.PinID != "" {
			id = p.PinID
		}
		if id == "" {
			return
		}
		t = target{Type: entity.TypePin, ID: id}
	default:
		typ, ok := msg.EntityType()
		if !ok || msg.AggregateID == "" {
			o.logger.Debug("Unknown realtime message", "type", msg.Type)
			return
		}
		t = target{
			Type:    typ,
			ID:      msg.AggregateID,
			Deleted: msg.Action == realtime.ActionDeleted,
			Version: msg.Version,
		}
	}
	o.trigger(ctx, request{trigger: TriggerRealtime, targets: []target{t}, skipDrain: t.Deleted})
}
