package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the local persistence contract the sync engine relies on. All
// operations are local and never touch the network.
type Store interface {
	// Get returns the record, including tombstoned ones, or ErrNotFound
	Get(ctx context.Context, t Type, id string) (*Entity, error)

	// Upsert inserts or replaces the record
	Upsert(ctx context.Context, e *Entity) error

	// SoftDelete tombstones the record at at without removing the row and
	// marks the deletion as an unsent change
	SoftDelete(ctx context.Context, t Type, id string, at time.Time) error

	// ListPendingSince returns records with unsent or failed changes updated at or after since
	ListPendingSince(ctx context.Context, since time.Time) ([]*Entity, error)

	// List returns the records of one type ordered by creation time
	List(ctx context.Context, t Type, includeDeleted bool) ([]*Entity, error)
}

// MemoryStore is an in-process Store used by tests and ephemeral runs
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Entity
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Entity)}
}

func key(t Type, id string) string {
	return string(t) + "/" + id
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, t Type, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[key(t, id)]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t, id, ErrNotFound)
	}
	return e.Clone(), nil
}

// Upsert implements Store
func (s *MemoryStore) Upsert(_ context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key(e.Type, e.ID)] = e.Clone()
	return nil
}

// SoftDelete implements Store
func (s *MemoryStore) SoftDelete(_ context.Context, t Type, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key(t, id)]
	if !ok {
		return fmt.Errorf("%s %s: %w", t, id, ErrNotFound)
	}
	if e.DeletedAt == nil {
		e.DeletedAt = &at
	}
	e.UpdatedAt = at
	e.Status = unsentStatus(e.Version)
	e.FailureReason = ""
	return nil
}

// ListPendingSince implements Store
func (s *MemoryStore) ListPendingSince(_ context.Context, since time.Time) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entity
	for _, e := range s.records {
		if e.Status == StatusSynced || e.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context, t Type, includeDeleted bool) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entity
	for _, e := range s.records {
		if e.Type != t || (!includeDeleted && e.IsDeleted()) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
