package outbox

import (
	"context"
	"sync"

	"github.com/tildaslashalef/fieldsync/internal/entity"
)

// EntityLocks is a keyed mutex serializing all work on one entity: local
// writes with their enqueue, delivery of its operation, and pulled records.
// Locks are not reentrant.
type EntityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	ch   chan struct{}
	refs int
}

// NewEntityLocks creates an empty lock set
func NewEntityLocks() *EntityLocks {
	return &EntityLocks{locks: make(map[string]*entityLock)}
}

// Lock blocks until the entity is free or ctx is done. The returned
// function releases the lock and is safe to call more than once.
func (l *EntityLocks) Lock(ctx context.Context, t entity.Type, id string) (func(), error) {
	key := string(t) + "/" + id

	l.mu.Lock()
	el, ok := l.locks[key]
	if !ok {
		el = &entityLock{ch: make(chan struct{}, 1)}
		l.locks[key] = el
	}
	el.refs++
	l.mu.Unlock()

	select {
	case el.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, el)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-el.ch
			l.release(key, el)
		})
	}, nil
}

func (l *EntityLocks) release(key string, el *entityLock) {
	l.mu.Lock()
	el.refs--
	if el.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Held returns how many entities are locked or awaited
func (l *EntityLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
