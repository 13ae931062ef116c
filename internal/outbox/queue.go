package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/event"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/remote"
	"github.com/tildaslashalef/fieldsync/internal/ulid"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 5 * time.Minute
	defaultBatchSize   = 20
)

// Queue is the outbox: it accepts local mutations and delivers them to the
// gateway one entity chain at a time
type Queue struct {
	repo        Repository
	gateway     remote.Gateway
	resolver    Resolver
	locks       *EntityLocks
	deviceID    string
	clock       clock.PassiveClock
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	lockWait    time.Duration
	batchSize   int
	events      *event.Broadcaster[Event]
	logger      *loggy.Logger
}

// Option configures a Queue
type Option func(*Queue)

// WithClock sets the clock used for scheduling
func WithClock(c clock.PassiveClock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMaxAttempts sets how many transient failures an operation survives
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay schedule base × 2^attempts, capped at max
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
		if max >= q.backoffBase {
			q.backoffMax = max
		}
	}
}

// WithLockWait bounds how long Enqueue waits for an entity being delivered
func WithLockWait(d time.Duration) Option {
	return func(q *Queue) { q.lockWait = d }
}

// WithBatchSize sets how many operations Drain processes per batch
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// NewQueue creates a queue delivering through gateway
func NewQueue(repo Repository, gateway remote.Gateway, resolver Resolver, locks *EntityLocks, deviceID string, logger *loggy.Logger, opts ...Option) *Queue {
	q := &Queue{
		repo:        repo,
		gateway:     gateway,
		resolver:    resolver,
		locks:       locks,
		deviceID:    deviceID,
		clock:       clock.RealClock{},
		maxAttempts: DefaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		batchSize:   defaultBatchSize,
		events:      event.NewBroadcaster[Event](event.DefaultBuffer),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Subscribe registers fn for queue events. Delivery never blocks the queue.
func (q *Queue) Subscribe(fn func(Event)) func() {
	return q.events.Subscribe(fn)
}

func (q *Queue) emit(e Event) {
	e.At = q.clock.Now()
	q.events.Publish(e)
}

func opEvent(t EventType, op *Operation) Event {
	return Event{
		Type:        t,
		OperationID: op.ID,
		Kind:        op.Kind,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Attempts:    op.Attempts,
	}
}

func (q *Queue) lock(ctx context.Context, t entity.Type, id string) (func(), error) {
	lockCtx := ctx
	if q.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, q.lockWait)
		defer cancel()
	}
	unlock, err := q.locks.Lock(lockCtx, t, id)
	if err != nil {
		if ctx.Err() == nil {
			return nil, fmt.Errorf("%s %s: %w", t, id, ErrLockTimeout)
		}
		return nil, err
	}
	return unlock, nil
}

// Enqueue records a mutation and returns the ID of the operation that will
// carry it. A mutation for an entity that already has an undelivered
// operation is coalesced into it.
func (q *Queue) Enqueue(ctx context.Context, kind entity.Mutation, t entity.Type, id string, payload Payload) (string, error) {
	unlock, err := q.lock(ctx, t, id)
	if err != nil {
		return "", err
	}
	defer unlock()
	return q.enqueueLocked(ctx, kind, t, id, payload)
}

// MutateFunc performs a local write and returns the mutation to enqueue
type MutateFunc func(ctx context.Context) (entity.Mutation, Payload, error)

// Mutate runs fn and enqueues its result under the entity's lock, so no
// delivery or pulled record can interleave with the local write
func (q *Queue) Mutate(ctx context.Context, t entity.Type, id string, fn MutateFunc) (string, error) {
	unlock, err := q.lock(ctx, t, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	// a crashed delivery may still hold the slot; the local write must not
	// race with its recovery
	if open, err := q.repo.FindOpen(ctx, t, id); err == nil && open.Status == StatusProcessing {
		return "", fmt.Errorf("%s %s: %w", t, id, ErrOperationInFlight)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	kind, payload, err := fn(ctx)
	if err != nil {
		return "", err
	}
	return q.enqueueLocked(ctx, kind, t, id, payload)
}

func (q *Queue) enqueueLocked(ctx context.Context, kind entity.Mutation, t entity.Type, id string, payload Payload) (string, error) {
	if err := payload.Validate(kind, t); err != nil {
		return "", err
	}

	existing, err := q.repo.FindOpen(ctx, t, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	now := q.clock.Now()
	if existing == nil {
		if kind != entity.MutationCreate && payload.BaseVersion == 0 {
			return "", fmt.Errorf("%w: %s of %s %s that was never synced", ErrInvalidPayload, kind, t, id)
		}
		seq, err := q.repo.NextSequence(ctx)
		if err != nil {
			return "", err
		}
		op := &Operation{
			ID:             ulid.OperationID(),
			Kind:           kind,
			EntityType:     t,
			EntityID:       id,
			IdempotencyKey: IdempotencyKey(q.deviceID, t, id, kind, seq),
			Payload:        payload.clone(),
			Status:         StatusPending,
			MaxAttempts:    q.maxAttempts,
			SequenceNumber: seq,
			DeviceID:       q.deviceID,
			CreatedAt:      now,
			UpdatedAt:      now,
			NextAttemptAt:  now,
		}
		if err := q.repo.Insert(ctx, op); err != nil {
			return "", err
		}
		q.logger.Debug("Operation enqueued", "op_id", op.ID, "kind", kind, "entity_type", t, "entity_id", id, "seq", seq)
		q.emit(opEvent(EventEnqueued, op))
		return op.ID, nil
	}

	if existing.Status == StatusProcessing {
		return "", fmt.Errorf("%s %s: %w", t, id, ErrOperationInFlight)
	}

	mergedKind, merged, cancel, err := coalesce(existing, kind, payload)
	if err != nil {
		return "", err
	}

	if cancel {
		if err := q.repo.Delete(ctx, existing.ID); err != nil {
			return "", err
		}
		if err := q.resolver.ApplyCancelled(ctx, existing); err != nil {
			return "", err
		}
		q.logger.Debug("Operation cancelled before delivery", "op_id", existing.ID, "entity_type", t, "entity_id", id)
		q.emit(opEvent(EventCancelled, existing))
		return existing.ID, nil
	}

	seq, err := q.repo.NextSequence(ctx)
	if err != nil {
		return "", err
	}
	existing.Kind = mergedKind
	existing.Payload = merged
	existing.SequenceNumber = seq
	existing.IdempotencyKey = IdempotencyKey(q.deviceID, t, id, mergedKind, seq)
	existing.UpdatedAt = now
	if existing.Status == StatusFailed {
		existing.Status = StatusPending
		existing.Attempts = 0
		existing.LastError = ""
		existing.NextAttemptAt = now
	}
	if err := q.repo.Update(ctx, existing); err != nil {
		return "", err
	}

	q.logger.Debug("Operation coalesced", "op_id", existing.ID, "kind", mergedKind, "entity_type", t, "entity_id", id, "seq", seq)
	e := opEvent(EventEnqueued, existing)
	e.Coalesced = true
	q.emit(e)
	return existing.ID, nil
}

// coalesce folds a new mutation into the entity's open operation. It
// returns the resulting kind and payload, or cancel=true when the pair
// annihilates.
func coalesce(existing *Operation, kind entity.Mutation, payload Payload) (entity.Mutation, Payload, bool, error) {
	if existing.Kind == entity.MutationDelete {
		return "", Payload{}, false, fmt.Errorf("%s %s: %w", existing.EntityType, existing.EntityID, ErrEntityDeleted)
	}
	if kind == entity.MutationCreate {
		return "", Payload{}, false, fmt.Errorf("%w: %s %s already has queued operation %s",
			ErrInvalidPayload, existing.EntityType, existing.EntityID, existing.ID)
	}

	switch {
	case existing.Kind == entity.MutationCreate && kind == entity.MutationUpdate:
		return entity.MutationCreate, existing.Payload.merge(payload), false, nil
	case existing.Kind == entity.MutationCreate && kind == entity.MutationDelete:
		return "", Payload{}, true, nil
	case existing.Kind == entity.MutationUpdate && kind == entity.MutationUpdate:
		return entity.MutationUpdate, existing.Payload.merge(payload), false, nil
	default:
		return entity.MutationDelete, DeletePayload(existing.Payload.BaseVersion), false, nil
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSucceeded
	outcomeSuperseded
	outcomeRetried
	outcomeRequeued
	outcomeFailed
	outcomeSkipped
)

// ProcessNext delivers the oldest eligible operation. It reports whether an
// operation was found.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	o, err := q.processNext(ctx)
	return o != outcomeNone, err
}

func (q *Queue) processNext(ctx context.Context) (outcome, error) {
	next, err := q.repo.NextEligible(ctx, q.clock.Now())
	if errors.Is(err, ErrNotFound) {
		return outcomeNone, nil
	}
	if err != nil {
		return outcomeNone, err
	}

	unlock, err := q.lock(ctx, next.EntityType, next.EntityID)
	if err != nil {
		return outcomeNone, err
	}
	defer unlock()

	op, err := q.repo.Claim(ctx, next.ID, q.clock.Now())
	if errors.Is(err, ErrNotClaimable) {
		// changed while we waited for the lock; the next peek sees its new state
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeNone, err
	}
	return q.deliver(ctx, op)
}

func (q *Queue) deliver(ctx context.Context, op *Operation) (outcome, error) {
	logger := q.logger.With("op_id", op.ID, "kind", op.Kind, "entity_type", op.EntityType, "entity_id", op.EntityID)

	res, err := q.gateway.Push(ctx, op.PushRequest())
	if ctx.Err() != nil {
		return outcomeNone, q.release(op, ctx.Err())
	}
	if err == nil {
		if err := q.resolver.ApplyAccepted(ctx, op, res); err != nil {
			return outcomeNone, q.release(op, err)
		}
		if err := q.repo.Complete(ctx, op.ID); err != nil {
			return outcomeNone, err
		}
		logger.Debug("Operation delivered", "version", res.NewVersion, "duplicate", res.Duplicate)
		q.emit(opEvent(EventCompleted, op))
		return outcomeSucceeded, nil
	}

	kind := remote.KindOf(err)
	switch {
	case kind == remote.KindConflict || kind == remote.KindNotFound:
		logger.Info("Operation rejected by server, resolving", "reason", kind)
		resolution, rerr := q.resolver.ResolveConflict(ctx, op)
		if rerr != nil {
			var remoteErr *remote.Error
			if errors.As(rerr, &remoteErr) && remoteErr.Kind.Transient() {
				return q.scheduleRetry(ctx, op, rerr)
			}
			return outcomeNone, q.release(op, rerr)
		}
		if resolution.Action == ResolutionRequeue {
			return q.requeue(ctx, op, resolution.BaseVersion, err)
		}
		if err := q.repo.Complete(ctx, op.ID); err != nil {
			return outcomeNone, err
		}
		e := opEvent(EventCompleted, op)
		e.Superseded = true
		q.emit(e)
		return outcomeSuperseded, nil

	case kind == remote.KindValidation:
		logger.Warn("Operation rejected permanently", "error", err)
		return q.fail(ctx, op, err)

	default:
		return q.scheduleRetry(ctx, op, err)
	}
}

// delay returns base × 2^attempts, capped
func (q *Queue) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.backoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = q.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (q *Queue) scheduleRetry(ctx context.Context, op *Operation, cause error) (outcome, error) {
	op.Attempts++
	op.LastError = cause.Error()
	if op.Attempts >= op.MaxAttempts {
		return q.fail(ctx, op, cause)
	}

	now := q.clock.Now()
	op.Status = StatusPending
	op.NextAttemptAt = now.Add(q.delay(op.Attempts))
	op.UpdatedAt = now
	if err := q.repo.Update(ctx, op); err != nil {
		return outcomeNone, err
	}

	q.logger.Info("Operation delivery failed, retry scheduled",
		"op_id", op.ID,
		"entity_id", op.EntityID,
		"attempts", op.Attempts,
		"next_attempt_at", op.NextAttemptAt,
		"error", cause)
	e := opEvent(EventRetryScheduled, op)
	e.Error = op.LastError
	next := op.NextAttemptAt
	e.NextAttempt = &next
	q.emit(e)
	return outcomeRetried, nil
}

func (q *Queue) requeue(ctx context.Context, op *Operation, baseVersion int64, cause error) (outcome, error) {
	op.Attempts++
	op.LastError = cause.Error()
	if op.Attempts >= op.MaxAttempts {
		return q.fail(ctx, op, cause)
	}

	now := q.clock.Now()
	op.Payload.BaseVersion = baseVersion
	op.Status = StatusPending
	op.NextAttemptAt = now
	op.UpdatedAt = now
	if err := q.repo.Update(ctx, op); err != nil {
		return outcomeNone, err
	}

	q.logger.Info("Operation requeued against fresh version", "op_id", op.ID, "entity_id", op.EntityID, "base_version", baseVersion)
	q.emit(opEvent(EventRequeued, op))
	return outcomeRequeued, nil
}

func (q *Queue) fail(ctx context.Context, op *Operation, cause error) (outcome, error) {
	now := q.clock.Now()
	op.Status = StatusFailed
	op.LastError = cause.Error()
	op.UpdatedAt = now
	if err := q.repo.Update(ctx, op); err != nil {
		return outcomeNone, err
	}
	if err := q.resolver.MarkFailed(ctx, op, op.LastError); err != nil {
		return outcomeNone, err
	}

	q.logger.Warn("Operation failed", "op_id", op.ID, "entity_id", op.EntityID, "attempts", op.Attempts, "error", cause)
	e := opEvent(EventFailed, op)
	e.Error = op.LastError
	q.emit(e)
	return outcomeFailed, nil
}

// release returns a claimed operation to pending after a local failure
// without counting an attempt, and reports the failure
func (q *Queue) release(op *Operation, cause error) error {
	// the caller's context may be cancelled already
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	op.Status = StatusPending
	op.UpdatedAt = q.clock.Now()
	if err := q.repo.Update(ctx, op); err != nil {
		q.logger.Error("Failed to release operation", "op_id", op.ID, "error", err)
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	if errors.Is(cause, ErrStorage) {
		return cause
	}
	return fmt.Errorf("%w: finalizing %s: %v", ErrStorage, op.ID, cause)
}

// ProcessBatch delivers up to n eligible operations
func (q *Queue) ProcessBatch(ctx context.Context, n int) (BatchResult, error) {
	if n <= 0 {
		n = q.batchSize
	}

	var res BatchResult
	for res.Processed < n {
		o, err := q.processNext(ctx)
		if o == outcomeNone {
			if err == nil {
				break
			}
			q.emitBatch(res)
			return res, err
		}
		if o == outcomeSkipped {
			continue
		}
		res.Processed++
		switch o {
		case outcomeSucceeded:
			res.Succeeded++
		case outcomeSuperseded:
			res.Superseded++
		case outcomeRetried:
			res.Retried++
		case outcomeRequeued:
			res.Requeued++
		case outcomeFailed:
			res.Failed++
		}
		if err != nil {
			q.emitBatch(res)
			return res, err
		}
	}
	q.emitBatch(res)
	return res, nil
}

func (q *Queue) emitBatch(res BatchResult) {
	if res.Processed == 0 {
		return
	}
	r := res
	q.emit(Event{Type: EventBatchCompleted, Batch: &r})
}

// Drain processes batches until no operation is eligible. Operations waiting
// out a backoff or marked failed stay behind.
func (q *Queue) Drain(ctx context.Context) (BatchResult, error) {
	var total BatchResult
	for {
		res, err := q.ProcessBatch(ctx, q.batchSize)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Processed == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// RetryFailed returns every failed operation to pending with a fresh
// attempt budget
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.repo.List(ctx, ListFilter{Status: StatusFailed})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, f := range failed {
		ok, err := q.retryOne(ctx, f)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		q.logger.Info("Failed operations reset for retry", "count", n)
	}
	return n, nil
}

func (q *Queue) retryOne(ctx context.Context, f *Operation) (bool, error) {
	unlock, err := q.lock(ctx, f.EntityType, f.EntityID)
	if err != nil {
		return false, err
	}
	defer unlock()

	op, err := q.repo.Get(ctx, f.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if op.Status != StatusFailed {
		return false, nil
	}

	now := q.clock.Now()
	op.Status = StatusPending
	op.Attempts = 0
	op.LastError = ""
	op.NextAttemptAt = now
	op.UpdatedAt = now
	if err := q.repo.Update(ctx, op); err != nil {
		return false, err
	}
	if err := q.resolver.MarkRetrying(ctx, op); err != nil {
		return false, err
	}
	q.emit(opEvent(EventRetryScheduled, op))
	return true, nil
}

// RecoverStale resets operations left processing by a crash. Only
// operations whose last attempt is older than grace are touched.
func (q *Queue) RecoverStale(ctx context.Context, grace time.Duration) (int, error) {
	now := q.clock.Now()
	n, err := q.repo.ResetStale(ctx, now.Add(-grace), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("Recovered stale operations", "count", n, "grace", grace)
	}
	return n, nil
}

// Health summarizes the queue for users
func (q *Queue) Health(ctx context.Context) (Health, error) {
	c, err := q.repo.Counts(ctx)
	if err != nil {
		return Health{}, err
	}
	h := Health{PendingOperations: c.Pending, Processing: c.Processing, Failed: c.Failed}
	if c.OldestPending != nil {
		h.OldestPendingAge = q.clock.Since(*c.OldestPending)
	}
	return h, nil
}

// Metrics returns the queue counters
func (q *Queue) Metrics(ctx context.Context) (Metrics, error) {
	c, err := q.repo.Counts(ctx)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{Pending: c.Pending, Processing: c.Processing, Failed: c.Failed, Completed: c.Completed}, nil
}

// NextEligibleAt returns when the earliest pending operation may be
// attempted, or nil when nothing is pending
func (q *Queue) NextEligibleAt(ctx context.Context) (*time.Time, error) {
	return q.repo.NextAttemptAt(ctx)
}

// HasInFlight reports whether the entity has a pending or processing operation
func (q *Queue) HasInFlight(ctx context.Context, t entity.Type, id string) (bool, error) {
	op, err := q.repo.FindOpen(ctx, t, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return op.Live(), nil
}

// List returns queued operations
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Operation, error) {
	return q.repo.List(ctx, filter)
}
