package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tildaslashalef/fieldsync/internal/entity"
)

// MemoryRepository is an in-process Repository. It enforces the same
// uniqueness rules as the SQL schema.
type MemoryRepository struct {
	mu        sync.Mutex
	ops       map[string]*Operation
	sequence  int64
	completed int64
}

// NewMemoryRepository creates an empty MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{ops: make(map[string]*Operation)}
}

// NextSequence implements Repository
func (r *MemoryRepository) NextSequence(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence++
	return r.sequence, nil
}

// checkUnique mirrors the unique indexes of outbox_operations
func (r *MemoryRepository) checkUnique(op *Operation) error {
	for _, other := range r.ops {
		if other.ID == op.ID {
			continue
		}
		if other.IdempotencyKey == op.IdempotencyKey {
			return fmt.Errorf("%w: duplicate idempotency key %s", ErrStorage, op.IdempotencyKey)
		}
		if other.SequenceNumber == op.SequenceNumber {
			return fmt.Errorf("%w: duplicate sequence number %d", ErrStorage, op.SequenceNumber)
		}
		if op.Live() && other.Live() && other.EntityType == op.EntityType && other.EntityID == op.EntityID {
			return fmt.Errorf("%w: %s %s already has live operation %s", ErrStorage, op.EntityType, op.EntityID, other.ID)
		}
	}
	return nil
}

// Insert implements Repository
func (r *MemoryRepository) Insert(_ context.Context, op *Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[op.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", ErrStorage, op.ID)
	}
	if err := r.checkUnique(op); err != nil {
		return err
	}
	r.ops[op.ID] = op.Clone()
	return nil
}

// Update implements Repository
func (r *MemoryRepository) Update(_ context.Context, op *Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[op.ID]; !ok {
		return fmt.Errorf("operation %s: %w", op.ID, ErrNotFound)
	}
	if err := r.checkUnique(op); err != nil {
		return err
	}
	r.ops[op.ID] = op.Clone()
	return nil
}

// Complete implements Repository
func (r *MemoryRepository) Complete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[id]; !ok {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	delete(r.ops, id)
	r.completed++
	return nil
}

// Delete implements Repository
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[id]; !ok {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	delete(r.ops, id)
	return nil
}

// Get implements Repository
func (r *MemoryRepository) Get(_ context.Context, id string) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op.Clone(), nil
}

// sorted returns the operations matching keep in sequence order. Callers hold r.mu.
func (r *MemoryRepository) sorted(keep func(*Operation) bool) []*Operation {
	var out []*Operation
	for _, op := range r.ops {
		if keep(op) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

// FindOpen implements Repository
func (r *MemoryRepository) FindOpen(_ context.Context, t entity.Type, id string) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := r.sorted(func(op *Operation) bool {
		return op.EntityType == t && op.EntityID == id && op.Status != StatusCompleted
	})
	if len(ops) == 0 {
		return nil, ErrNotFound
	}
	return ops[len(ops)-1].Clone(), nil
}

// NextEligible implements Repository
func (r *MemoryRepository) NextEligible(_ context.Context, now time.Time) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := r.sorted(func(op *Operation) bool {
		return op.Status == StatusPending && !op.NextAttemptAt.After(now)
	})
	if len(ops) == 0 {
		return nil, ErrNotFound
	}
	return ops[0].Clone(), nil
}

// Claim implements Repository
func (r *MemoryRepository) Claim(_ context.Context, id string, now time.Time) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.Status != StatusPending || op.NextAttemptAt.After(now) {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotClaimable)
	}
	op.Status = StatusProcessing
	op.LastAttemptAt = &now
	op.UpdatedAt = now
	return op.Clone(), nil
}

// List implements Repository
func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := r.sorted(func(op *Operation) bool {
		return (filter.Status == "" || op.Status == filter.Status) &&
			(filter.EntityType == "" || op.EntityType == filter.EntityType) &&
			(filter.EntityID == "" || op.EntityID == filter.EntityID)
	})
	if filter.Limit > 0 && len(ops) > filter.Limit {
		ops = ops[:filter.Limit]
	}
	out := make([]*Operation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out, nil
}

// ResetStale implements Repository
func (r *MemoryRepository) ResetStale(_ context.Context, before, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, op := range r.ops {
		if op.Status != StatusProcessing {
			continue
		}
		if op.LastAttemptAt != nil && !op.LastAttemptAt.Before(before) {
			continue
		}
		op.Status = StatusPending
		op.UpdatedAt = now
		op.NextAttemptAt = now
		n++
	}
	return n, nil
}

// Counts implements Repository
func (r *MemoryRepository) Counts(_ context.Context) (Counts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Counts{Completed: r.completed}
	for _, op := range r.ops {
		switch op.Status {
		case StatusPending:
			c.Pending++
			if c.OldestPending == nil || op.CreatedAt.Before(*c.OldestPending) {
				t := op.CreatedAt
				c.OldestPending = &t
			}
		case StatusProcessing:
			c.Processing++
		case StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// NextAttemptAt implements Repository
func (r *MemoryRepository) NextAttemptAt(_ context.Context) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *time.Time
	for _, op := range r.ops {
		if op.Status == StatusPending && (next == nil || op.NextAttemptAt.Before(*next)) {
			t := op.NextAttemptAt
			next = &t
		}
	}
	return next, nil
}
