// Package mutation provides the local create, update and delete operations
// for pins and forms. Every change is written to the entity store and
// enqueued for delivery under the entity's lock.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	"github.com/tildaslashalef/fieldsync/internal/ulid"
)

// Queue is the part of the outbox the service writes through
type Queue interface {
	Mutate(ctx context.Context, t entity.Type, id string, fn outbox.MutateFunc) (string, error)
	HasInFlight(ctx context.Context, t entity.Type, id string) (bool, error)
}

// Service provides local entity operations
type Service struct {
	store  entity.Store
	queue  Queue
	locks  *outbox.EntityLocks
	clock  clock.PassiveClock
	logger *loggy.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock sets the clock used for local timestamps
func WithClock(c clock.PassiveClock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a new mutation service. locks must be the set the
// queue uses.
func NewService(store entity.Store, queue Queue, locks *outbox.EntityLocks, logger *loggy.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		queue:  queue,
		locks:  locks,
		clock:  clock.RealClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns one entity, tombstones included
func (s *Service) Get(ctx context.Context, t entity.Type, id string) (*entity.Entity, error) {
	return s.store.Get(ctx, t, id)
}

// List returns the entities of one type
func (s *Service) List(ctx context.Context, t entity.Type, includeDeleted bool) ([]*entity.Entity, error) {
	return s.store.List(ctx, t, includeDeleted)
}

// CreatePin stores a new pin and queues its creation
func (s *Service) CreatePin(ctx context.Context, fields entity.PinFields) (*entity.Entity, error) {
	e := &entity.Entity{Type: entity.TypePin, ID: ulid.PinID(), Pin: &fields}
	return s.create(ctx, e, outbox.PinPayload(0, entity.FullPinPatch(fields)))
}

// CreateForm stores a new form and queues its creation. The owning pin must
// exist locally.
func (s *Service) CreateForm(ctx context.Context, fields entity.FormFields) (*entity.Entity, error) {
	if fields.PinID != "" {
		pin, err := s.store.Get(ctx, entity.TypePin, fields.PinID)
		if err != nil {
			return nil, fmt.Errorf("looking up pin %s: %w", fields.PinID, err)
		}
		if pin.IsDeleted() {
			return nil, fmt.Errorf("pin %s: %w", fields.PinID, outbox.ErrEntityDeleted)
		}
	}
	e := &entity.Entity{Type: entity.TypeForm, ID: ulid.FormID(), Form: &fields}
	return s.create(ctx, e, outbox.FormPayload(0, entity.FullFormPatch(fields)))
}

func (s *Service) create(ctx context.Context, e *entity.Entity, payload outbox.Payload) (*entity.Entity, error) {
	if err := payload.Validate(entity.MutationCreate, e.Type); err != nil {
		return nil, err
	}

	opID, err := s.queue.Mutate(ctx, e.Type, e.ID, func(ctx context.Context) (entity.Mutation, outbox.Payload, error) {
		now := s.clock.Now()
		e.Status = entity.StatusPending
		e.CreatedAt = now
		e.UpdatedAt = now
		if err := s.store.Upsert(ctx, e); err != nil {
			return "", outbox.Payload{}, err
		}
		return entity.MutationCreate, payload, nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", e.Type, err)
	}

	s.logger.Info("Entity created", "entity_type", e.Type, "entity_id", e.ID, "op_id", opID)
	return e.Clone(), nil
}

// UpdatePin applies patch to a pin and queues the change
func (s *Service) UpdatePin(ctx context.Context, id string, patch entity.PinPatch) (*entity.Entity, error) {
	return s.update(ctx, entity.TypePin, id, func(e *entity.Entity) outbox.Payload {
		patch.Apply(e.Pin)
		return outbox.PinPayload(e.Version, patch)
	})
}

// UpdateForm applies patch to a form and queues the change
func (s *Service) UpdateForm(ctx context.Context, id string, patch entity.FormPatch) (*entity.Entity, error) {
	return s.update(ctx, entity.TypeForm, id, func(e *entity.Entity) outbox.Payload {
		patch.Apply(e.Form)
		return outbox.FormPayload(e.Version, patch)
	})
}

func (s *Service) update(ctx context.Context, t entity.Type, id string, apply func(*entity.Entity) outbox.Payload) (*entity.Entity, error) {
	var updated *entity.Entity
	opID, err := s.queue.Mutate(ctx, t, id, func(ctx context.Context) (entity.Mutation, outbox.Payload, error) {
		local, err := s.store.Get(ctx, t, id)
		if err != nil {
			return "", outbox.Payload{}, err
		}
		if local.IsDeleted() {
			return "", outbox.Payload{}, fmt.Errorf("%s %s: %w", t, id, outbox.ErrEntityDeleted)
		}

		payload := apply(local)
		if err := payload.Validate(entity.MutationUpdate, t); err != nil {
			return "", outbox.Payload{}, err
		}

		local.Status = pendingStatus(local)
		local.FailureReason = ""
		local.UpdatedAt = s.clock.Now()
		if err := s.store.Upsert(ctx, local); err != nil {
			return "", outbox.Payload{}, err
		}
		updated = local
		return entity.MutationUpdate, payload, nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating %s %s: %w", t, id, err)
	}

	s.logger.Info("Entity updated", "entity_type", t, "entity_id", id, "op_id", opID)
	return updated, nil
}

// DeletePin tombstones a pin and queues the deletion
func (s *Service) DeletePin(ctx context.Context, id string) error {
	return s.delete(ctx, entity.TypePin, id)
}

// DeleteForm tombstones a form and queues the deletion
func (s *Service) DeleteForm(ctx context.Context, id string) error {
	return s.delete(ctx, entity.TypeForm, id)
}

func (s *Service) delete(ctx context.Context, t entity.Type, id string) error {
	opID, err := s.queue.Mutate(ctx, t, id, func(ctx context.Context) (entity.Mutation, outbox.Payload, error) {
		local, err := s.store.Get(ctx, t, id)
		if err != nil {
			return "", outbox.Payload{}, err
		}
		if local.IsDeleted() {
			return "", outbox.Payload{}, fmt.Errorf("%s %s: %w", t, id, outbox.ErrEntityDeleted)
		}

		if err := s.store.SoftDelete(ctx, t, id, s.clock.Now()); err != nil {
			return "", outbox.Payload{}, err
		}
		return entity.MutationDelete, outbox.DeletePayload(local.Version), nil
	})
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", t, id, err)
	}

	s.logger.Info("Entity deleted", "entity_type", t, "entity_id", id, "op_id", opID)
	return nil
}

// AttachLocalImage records a device-local image reference on a pin. Local
// images are never uploaded by the sync engine and survive server overwrites.
func (s *Service) AttachLocalImage(ctx context.Context, pinID, uri string) (*entity.Entity, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty image reference", entity.ErrInvalid)
	}
	unlock, err := s.locks.Lock(ctx, entity.TypePin, pinID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	local, err := s.store.Get(ctx, entity.TypePin, pinID)
	if err != nil {
		return nil, err
	}
	for _, existing := range local.LocalImages {
		if existing == uri {
			return local, nil
		}
	}
	local.LocalImages = append(local.LocalImages, uri)
	if err := s.store.Upsert(ctx, local); err != nil {
		return nil, err
	}
	s.logger.Debug("Local image attached", "entity_id", pinID, "uri", uri)
	return local, nil
}

// RequeueOrphans queues an operation for every entity with unsent changes
// but no live operation, which happens when the process dies between the
// local write and the enqueue. It returns how many entities were requeued.
func (s *Service) RequeueOrphans(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingSince(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("listing unsent entities: %w", err)
	}

	n := 0
	for _, e := range pending {
		if e.Status == entity.StatusFailed {
			continue
		}
		ok, err := s.requeue(ctx, e.Type, e.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.logger.Warn("Requeued orphaned entities", "count", n)
	}
	return n, nil
}

func (s *Service) requeue(ctx context.Context, t entity.Type, id string) (bool, error) {
	busy, err := s.queue.HasInFlight(ctx, t, id)
	if err != nil || busy {
		return false, err
	}

	errSkip := errors.New("nothing to requeue")
	_, err = s.queue.Mutate(ctx, t, id, func(ctx context.Context) (entity.Mutation, outbox.Payload, error) {
		local, err := s.store.Get(ctx, t, id)
		if err != nil {
			return "", outbox.Payload{}, err
		}
		if local.Status == entity.StatusSynced || local.Status == entity.StatusFailed {
			return "", outbox.Payload{}, errSkip
		}

		switch {
		case local.IsDeleted() && local.Version == 0:
			// never reached the server; the tombstone is final
			local.Status = entity.StatusSynced
			if err := s.store.Upsert(ctx, local); err != nil {
				return "", outbox.Payload{}, err
			}
			return "", outbox.Payload{}, errSkip
		case local.IsDeleted():
			return entity.MutationDelete, outbox.DeletePayload(local.Version), nil
		case local.Version == 0:
			return entity.MutationCreate, fullPayload(local, 0), nil
		default:
			return entity.MutationUpdate, fullPayload(local, local.Version), nil
		}
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("requeueing %s %s: %w", t, id, err)
	}
	s.logger.Debug("Orphaned entity requeued", "entity_type", t, "entity_id", id)
	return true, nil
}

func fullPayload(e *entity.Entity, baseVersion int64) outbox.Payload {
	if e.Type == entity.TypeForm {
		return outbox.FormPayload(baseVersion, entity.FullFormPatch(*e.Form))
	}
	return outbox.PinPayload(baseVersion, entity.FullPinPatch(*e.Pin))
}

// pendingStatus is the status of an entity carrying unsent changes
func pendingStatus(e *entity.Entity) entity.Status {
	if e.Version == 0 {
		return entity.StatusPending
	}
	return entity.StatusDirty
}
