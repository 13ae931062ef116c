package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/remote"
	"github.com/tildaslashalef/fieldsync/internal/remote/remotetest"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ApplyAccepted(ctx context.Context, op *Operation, res remote.PushResult) error {
	return m.Called(ctx, op, res).Error(0)
}

func (m *mockResolver) ResolveConflict(ctx context.Context, op *Operation) (Resolution, error) {
	args := m.Called(ctx, op)
	return args.Get(0).(Resolution), args.Error(1)
}

func (m *mockResolver) MarkFailed(ctx context.Context, op *Operation, reason string) error {
	return m.Called(ctx, op, reason).Error(0)
}

func (m *mockResolver) MarkRetrying(ctx context.Context, op *Operation) error {
	return m.Called(ctx, op).Error(0)
}

func (m *mockResolver) ApplyCancelled(ctx context.Context, op *Operation) error {
	return m.Called(ctx, op).Error(0)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) find(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == t {
			return e, true
		}
	}
	return Event{}, false
}

type queueFixture struct {
	queue    *Queue
	repo     Repository
	server   *remotetest.Server
	resolver *mockResolver
	locks    *EntityLocks
	clock    *testingclock.FakeClock
	events   *eventLog
}

func newQueueFixture(t *testing.T, repo Repository, opts ...Option) *queueFixture {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	f := &queueFixture{
		repo:     repo,
		server:   remotetest.NewServer(remotetest.WithClock(clk)),
		resolver: &mockResolver{},
		locks:    NewEntityLocks(),
		clock:    clk,
		events:   &eventLog{},
	}
	opts = append([]Option{WithClock(clk), WithBackoff(time.Second, time.Minute)}, opts...)
	f.queue = NewQueue(repo, f.server, f.resolver, f.locks, "dev-1", loggy.NewNoopLogger(), opts...)
	t.Cleanup(f.queue.Subscribe(f.events.add))
	return f
}

func (f *queueFixture) seedPin(id string, version int64) {
	now := f.clock.Now()
	f.server.Seed(&remote.Record{
		Type:      entity.TypePin,
		ID:        id,
		Version:   version,
		Pin:       &entity.PinFields{Title: "seeded", Latitude: 1, Longitude: 2},
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func titlePatch(base int64, title string) Payload {
	return PinPayload(base, entity.PinPatch{Title: strPtr(title)})
}

func TestQueue_EnqueueAndDeliver(t *testing.T) {
	for name, newRepo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			f := newQueueFixture(t, newRepo())
			ctx := context.Background()

			id, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("Well"))
			require.NoError(t, err)
			assert.NotEmpty(t, id)

			inFlight, err := f.queue.HasInFlight(ctx, entity.TypePin, "pin-1")
			require.NoError(t, err)
			assert.True(t, inFlight)

			f.resolver.On("ApplyAccepted", mock.Anything, mock.MatchedBy(func(op *Operation) bool {
				return op.ID == id && op.Status == StatusProcessing
			}), mock.MatchedBy(func(res remote.PushResult) bool {
				return res.NewVersion == 1
			})).Return(nil).Once()

			found, err := f.queue.ProcessNext(ctx)
			require.NoError(t, err)
			assert.True(t, found)

			found, err = f.queue.ProcessNext(ctx)
			require.NoError(t, err)
			assert.False(t, found)

			m, err := f.queue.Metrics(ctx)
			require.NoError(t, err)
			assert.Equal(t, Metrics{Completed: 1}, m)

			rec := f.server.Record(entity.TypePin, "pin-1")
			require.NotNil(t, rec)
			assert.Equal(t, "Well", rec.Pin.Title)

			f.resolver.AssertExpectations(t)
			assert.Eventually(t, func() bool {
				return assert.ObjectsAreEqual([]EventType{EventEnqueued, EventCompleted}, f.events.types())
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestQueue_CoalesceCreateThenUpdate(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("Well"))
	require.NoError(t, err)
	before, err := f.repo.Get(ctx, first)
	require.NoError(t, err)

	second, err := f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1",
		PinPayload(0, entity.PinPatch{Description: strPtr("dry in summer")}))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	op, err := f.repo.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, entity.MutationCreate, op.Kind)
	assert.Equal(t, "Well", *op.Payload.Pin.Title)
	assert.Equal(t, "dry in summer", *op.Payload.Pin.Description)
	assert.Greater(t, op.SequenceNumber, before.SequenceNumber)
	assert.NotEqual(t, before.IdempotencyKey, op.IdempotencyKey)

	ops, err := f.queue.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	assert.Eventually(t, func() bool {
		e, ok := f.events.find(EventEnqueued)
		if !ok {
			return false
		}
		types := f.events.types()
		return len(types) == 2 && !e.Coalesced
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_CreateThenDeleteCancels(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("Well"))
	require.NoError(t, err)

	f.resolver.On("ApplyCancelled", mock.Anything, mock.MatchedBy(func(op *Operation) bool { return op.ID == id })).Return(nil).Once()

	got, err := f.queue.Enqueue(ctx, entity.MutationDelete, entity.TypePin, "pin-1", DeletePayload(0))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = f.repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, f.server.Pushes())
	f.resolver.AssertExpectations(t)
}

func TestQueue_UpdateThenDeleteBecomesDelete(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1", titlePatch(4, "renamed"))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, entity.MutationDelete, entity.TypePin, "pin-1", DeletePayload(9))
	require.NoError(t, err)

	op, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.MutationDelete, op.Kind)
	assert.Equal(t, int64(4), op.Payload.BaseVersion)
	assert.Nil(t, op.Payload.Pin)

	_, err = f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1", titlePatch(4, "again"))
	assert.ErrorIs(t, err, ErrEntityDeleted)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	tests := []struct {
		name    string
		kind    entity.Mutation
		t       entity.Type
		payload Payload
	}{
		{"unknown kind", entity.Mutation("upsert"), entity.TypePin, pinCreate("a")},
		{"missing title", entity.MutationCreate, entity.TypePin, PinPayload(0, entity.PinPatch{Latitude: floatPtr(1), Longitude: floatPtr(1)})},
		{"form fields on pin", entity.MutationCreate, entity.TypePin, FormPayload(0, entity.FormPatch{Title: strPtr("x")})},
		{"create with base version", entity.MutationCreate, entity.TypePin, PinPayload(2, entity.PinPatch{Title: strPtr("a"), Latitude: floatPtr(1), Longitude: floatPtr(1)})},
		{"empty update", entity.MutationUpdate, entity.TypePin, PinPayload(1, entity.PinPatch{})},
		{"update never synced", entity.MutationUpdate, entity.TypePin, titlePatch(0, "x")},
		{"delete with fields", entity.MutationDelete, entity.TypePin, titlePatch(1, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Enqueue(ctx, tt.kind, tt.t, "pin-1", tt.payload)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	ops, err := f.queue.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestQueue_SecondCreateRejected(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("a"))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("b"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestQueue_TransientFailuresBackOffThenFail(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("Well"))
	require.NoError(t, err)

	f.server.FailNext(3, remote.KindServer)

	res, err := f.queue.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1, Retried: 1}, res)

	op, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, 1, op.Attempts)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), op.NextAttemptAt)
	assert.NotEmpty(t, op.LastError)

	// not yet due
	found, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	next, err := f.queue.NextEligibleAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, op.NextAttemptAt, *next)

	f.clock.Step(2 * time.Second)
	_, err = f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	op, err = f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, op.Attempts)
	assert.Equal(t, f.clock.Now().Add(4*time.Second), op.NextAttemptAt)

	f.resolver.On("MarkFailed", mock.Anything, mock.MatchedBy(func(op *Operation) bool { return op.ID == id }), mock.AnythingOfType("string")).
		Return(nil).Once()

	f.clock.Step(4 * time.Second)
	_, err = f.queue.ProcessNext(ctx)
	require.NoError(t, err)

	op, err = f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, 3, op.Attempts)

	h, err := f.queue.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Failed)
	assert.Zero(t, h.PendingOperations)

	f.resolver.AssertExpectations(t)
	assert.Zero(t, f.server.Effects())
}

func TestQueue_ValidationFailsImmediately(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("Well"))
	require.NoError(t, err)

	f.server.FailNext(1, remote.KindValidation)
	f.resolver.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	res, err := f.queue.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	op, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, 0, op.Attempts)
	f.resolver.AssertExpectations(t)
}

func TestQueue_ConflictDropped(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()
	f.seedPin("pin-1", 3)

	_, err := f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1", titlePatch(2, "stale"))
	require.NoError(t, err)

	f.resolver.On("ResolveConflict", mock.Anything, mock.Anything).Return(Resolution{Action: ResolutionDropped}, nil).Once()

	res, err := f.queue.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1, Superseded: 1}, res)

	m, err := f.queue.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, "seeded", f.server.Record(entity.TypePin, "pin-1").Pin.Title)

	assert.Eventually(t, func() bool {
		e, ok := f.events.find(EventCompleted)
		return ok && e.Superseded
	}, time.Second, 5*time.Millisecond)
	f.resolver.AssertExpectations(t)
}

func TestQueue_ConflictRequeued(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()
	f.seedPin("pin-1", 3)

	id, err := f.queue.Enqueue(ctx, entity.MutationDelete, entity.TypePin, "pin-1", DeletePayload(2))
	require.NoError(t, err)

	f.resolver.On("ResolveConflict", mock.Anything, mock.Anything).
		Return(Resolution{Action: ResolutionRequeue, BaseVersion: 3}, nil).Once()
	f.resolver.On("ApplyAccepted", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	res, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 2, Requeued: 1, Succeeded: 1}, res)
	assert.True(t, f.server.Record(entity.TypePin, "pin-1").IsDeleted())

	_, err = f.repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	f.resolver.AssertExpectations(t)
}

func TestQueue_TransientResolverErrorRetries(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()
	f.seedPin("pin-1", 3)

	id, err := f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1", titlePatch(2, "x"))
	require.NoError(t, err)

	f.resolver.On("ResolveConflict", mock.Anything, mock.Anything).
		Return(Resolution{}, remote.NewError(remote.KindNetwork, "connection reset")).Once()

	_, err = f.queue.ProcessNext(ctx)
	require.NoError(t, err)

	op, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, 1, op.Attempts)
}

func TestQueue_FIFOAcrossEntities(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	var order []string
	f.resolver.On("ApplyAccepted", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			order = append(order, args.Get(1).(*Operation).EntityID)
		}).Return(nil)

	for _, id := range []string{"pin-c", "pin-a", "pin-b"} {
		_, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, id, pinCreate(id))
		require.NoError(t, err)
	}
	// coalescing moves pin-c behind the others
	_, err := f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-c", PinPayload(0, entity.PinPatch{Category: strPtr("water")}))
	require.NoError(t, err)

	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pin-a", "pin-b", "pin-c"}, order)
}

func TestQueue_FailedOperationRevivedByEdit(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("Well"))
	require.NoError(t, err)

	f.server.FailNext(1, remote.KindValidation)
	f.resolver.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	_, err = f.queue.ProcessNext(ctx)
	require.NoError(t, err)

	inFlight, err := f.queue.HasInFlight(ctx, entity.TypePin, "pin-1")
	require.NoError(t, err)
	assert.False(t, inFlight)

	got, err := f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1", PinPayload(0, entity.PinPatch{Title: strPtr("Fixed")}))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	op, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Zero(t, op.Attempts)
	assert.Empty(t, op.LastError)
	assert.Equal(t, "Fixed", *op.Payload.Pin.Title)
}

func TestQueue_RetryFailed(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository(), WithMaxAttempts(1))
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("a"))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-2", pinCreate("b"))
	require.NoError(t, err)

	f.server.FailNext(2, remote.KindNetwork)
	f.resolver.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
	res, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)

	f.resolver.On("MarkRetrying", mock.Anything, mock.Anything).Return(nil).Twice()
	n, err := f.queue.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.resolver.On("ApplyAccepted", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
	res, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	f.resolver.AssertExpectations(t)
}

func TestQueue_RecoverStale(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("a"))
	require.NoError(t, err)
	_, err = f.repo.Claim(ctx, id, f.clock.Now())
	require.NoError(t, err)

	n, err := f.queue.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Step(2 * time.Minute)
	n, err = f.queue.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
}

func TestQueue_EnqueueWhileProcessing(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository(), WithLockWait(20*time.Millisecond))
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("a"))
	require.NoError(t, err)

	// delivery holds the entity lock
	unlock, err := f.locks.Lock(ctx, entity.TypePin, "pin-1")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1", titlePatch(0, "b"))
	assert.ErrorIs(t, err, ErrLockTimeout)
	unlock()

	// a crashed delivery left the operation processing
	_, err = f.repo.Claim(ctx, id, f.clock.Now())
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, entity.MutationUpdate, entity.TypePin, "pin-1", titlePatch(0, "b"))
	assert.ErrorIs(t, err, ErrOperationInFlight)
}

func TestQueue_MutateRunsUnderLock(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	id, err := f.queue.Mutate(ctx, entity.TypePin, "pin-1", func(context.Context) (entity.Mutation, Payload, error) {
		assert.Equal(t, 1, f.locks.Held())
		return entity.MutationCreate, pinCreate("a"), nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Zero(t, f.locks.Held())

	_, err = f.queue.Mutate(ctx, entity.TypePin, "pin-2", func(context.Context) (entity.Mutation, Payload, error) {
		return "", Payload{}, entity.ErrInvalid
	})
	assert.ErrorIs(t, err, entity.ErrInvalid)
}

func TestQueue_HealthReportsOldestPending(t *testing.T) {
	f := newQueueFixture(t, NewMemoryRepository())
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-1", pinCreate("a"))
	require.NoError(t, err)
	f.clock.Step(90 * time.Second)
	_, err = f.queue.Enqueue(ctx, entity.MutationCreate, entity.TypePin, "pin-2", pinCreate("b"))
	require.NoError(t, err)

	h, err := f.queue.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.PendingOperations)
	assert.Equal(t, 90*time.Second, h.OldestPendingAge)
}

func TestQueue_Delay(t *testing.T) {
	q := NewQueue(NewMemoryRepository(), nil, nil, NewEntityLocks(), "dev", loggy.NewNoopLogger(),
		WithBackoff(time.Second, 10*time.Second))

	assert.Equal(t, time.Second, q.delay(0))
	assert.Equal(t, 2*time.Second, q.delay(1))
	assert.Equal(t, 8*time.Second, q.delay(3))
	assert.Equal(t, 10*time.Second, q.delay(6))
}
