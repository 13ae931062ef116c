// Package conflict arbitrates between local entity state and the server's
// authoritative records.
//
// The policy is server-wins: when a push is rejected because the remote
// version moved, the remote record replaces the local one. Local-only image
// references survive every overwrite. Pulled records are applied only when
// they are newer and the entity has no undelivered operation, which keeps
// pulls from clobbering edits still waiting in the outbox.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/utils/clock"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/event"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	"github.com/tildaslashalef/fieldsync/internal/remote"
)

// logSize bounds the in-memory resolution history
const logSize = 200

// PullOutcome is the result of applying a pulled record
type PullOutcome string

const (
	PullApplied      PullOutcome = "applied"
	PullSkippedStale PullOutcome = "skipped_stale"
	PullDeferred     PullOutcome = "deferred"
)

// InFlightChecker reports whether an entity has an undelivered operation
type InFlightChecker interface {
	HasInFlight(ctx context.Context, t entity.Type, id string) (bool, error)
}

// Resolver implements outbox.Resolver and the pull path
type Resolver struct {
	store    entity.Store
	gateway  remote.Gateway
	inFlight InFlightChecker
	locks    *outbox.EntityLocks
	clock    clock.PassiveClock
	events   *event.Broadcaster[LogEntry]
	logger   *loggy.Logger

	mu  sync.Mutex
	log []LogEntry
}

var _ outbox.Resolver = (*Resolver)(nil)

// NewResolver creates a resolver. locks must be the set the queue uses.
func NewResolver(store entity.Store, gateway remote.Gateway, inFlight InFlightChecker, locks *outbox.EntityLocks, clk clock.PassiveClock, logger *loggy.Logger) *Resolver {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Resolver{
		store:    store,
		gateway:  gateway,
		inFlight: inFlight,
		locks:    locks,
		clock:    clk,
		events:   event.NewBroadcaster[LogEntry](event.DefaultBuffer),
		logger:   logger,
	}
}

// SetInFlightChecker wires the queue in after construction. The queue and
// the resolver depend on each other.
func (r *Resolver) SetInFlightChecker(c InFlightChecker) {
	r.inFlight = c
}

func (r *Resolver) get(ctx context.Context, t entity.Type, id string) (*entity.Entity, error) {
	e, err := r.store.Get(ctx, t, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// ApplyAccepted implements outbox.Resolver
func (r *Resolver) ApplyAccepted(ctx context.Context, op *outbox.Operation, res remote.PushResult) error {
	local, err := r.get(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	if local == nil {
		if res.Record == nil {
			r.logger.Warn("Accepted operation has no local entity", "op_id", op.ID, "entity_type", op.EntityType, "entity_id", op.EntityID)
			return nil
		}
		local = res.Record.ToEntity()
		local.LastSyncedAt = &now
		return r.store.Upsert(ctx, local)
	}

	local.Version = max(local.Version, res.NewVersion)
	local.Status = entity.StatusSynced
	local.FailureReason = ""
	local.LastSyncedAt = &now
	if op.Kind == entity.MutationDelete && local.DeletedAt == nil {
		local.DeletedAt = &now
	}
	if err := r.store.Upsert(ctx, local); err != nil {
		return err
	}

	r.logger.Debug("Entity synced", "entity_type", op.EntityType, "entity_id", op.EntityID, "version", local.Version, "duplicate", res.Duplicate)
	return nil
}

// ResolveConflict implements outbox.Resolver. The server's record wins; only
// a delete against a record that still exists is retried, against the
// record's current version.
func (r *Resolver) ResolveConflict(ctx context.Context, op *outbox.Operation) (outbox.Resolution, error) {
	local, err := r.get(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return outbox.Resolution{}, err
	}
	var localVersion int64
	if local != nil {
		localVersion = local.Version
	}

	rec, err := r.gateway.PullByID(ctx, op.EntityType, op.EntityID)
	if err != nil && remote.KindOf(err) != remote.KindNotFound {
		return outbox.Resolution{}, err
	}

	entry := LogEntry{
		Source:       SourcePush,
		EntityType:   op.EntityType,
		EntityID:     op.EntityID,
		OperationID:  op.ID,
		Kind:         op.Kind,
		LocalVersion: localVersion,
		At:           r.clock.Now(),
	}

	switch {
	case rec == nil || rec.IsDeleted():
		var version int64
		if rec != nil {
			version = rec.Version
			entry.RemoteVersion = rec.Version
		}
		if err := r.tombstone(ctx, local, rec, version, false); err != nil {
			return outbox.Resolution{}, err
		}
		entry.Resolution = ResolutionRemoteDeleted

	case op.Kind == entity.MutationDelete:
		entry.RemoteVersion = rec.Version
		entry.Resolution = ResolutionRetried
		r.record(entry)
		r.logger.Info("Delete conflicted with a newer remote version, retrying",
			"entity_type", op.EntityType, "entity_id", op.EntityID, "remote_version", rec.Version)
		return outbox.Resolution{Action: outbox.ResolutionRequeue, BaseVersion: rec.Version}, nil

	default:
		entry.RemoteVersion = rec.Version
		if err := r.overwrite(ctx, local, rec, false); err != nil {
			return outbox.Resolution{}, err
		}
		entry.Resolution = ResolutionServerWins
	}

	r.record(entry)
	r.logger.Info("Conflict resolved in favour of server",
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"local_version", localVersion,
		"remote_version", entry.RemoteVersion,
		"resolution", entry.Resolution)
	return outbox.Resolution{Action: outbox.ResolutionDropped}, nil
}

// overwrite replaces local with rec, keeping local-only state. With
// keepFailure a failed local change stays reported as failed.
func (r *Resolver) overwrite(ctx context.Context, local *entity.Entity, rec *remote.Record, keepFailure bool) error {
	now := r.clock.Now()
	e := rec.ToEntity()
	e.LastSyncedAt = &now
	if local != nil {
		e.LocalImages = append([]string(nil), local.LocalImages...)
		if !local.CreatedAt.IsZero() {
			e.CreatedAt = local.CreatedAt
		}
		if keepFailure {
			carryFailure(local, e)
		}
	}
	return r.store.Upsert(ctx, e)
}

// tombstone marks local deleted at version. rec may be nil when the server
// has no record at all. Without a local row a tombstone is only stored when
// rec carries a body.
func (r *Resolver) tombstone(ctx context.Context, local *entity.Entity, rec *remote.Record, version int64, keepFailure bool) error {
	now := r.clock.Now()
	if local == nil {
		if rec == nil || !rec.HasBody() {
			return nil
		}
		e := rec.ToEntity()
		e.LastSyncedAt = &now
		if e.DeletedAt == nil {
			e.DeletedAt = &now
		}
		return r.store.Upsert(ctx, e)
	}

	failed := *local
	local.Version = max(local.Version, version)
	local.Status = entity.StatusSynced
	local.FailureReason = ""
	local.LastSyncedAt = &now
	if keepFailure {
		carryFailure(&failed, local)
	}
	if local.DeletedAt == nil {
		local.DeletedAt = &now
		if rec != nil && rec.DeletedAt != nil {
			at := *rec.DeletedAt
			local.DeletedAt = &at
		}
	}
	return r.store.Upsert(ctx, local)
}

// carryFailure keeps the failure of from on to. The failed operation stays
// queued until RetryFailed replays it.
func carryFailure(from, to *entity.Entity) {
	if from.Status != entity.StatusFailed {
		return
	}
	to.Status = entity.StatusFailed
	to.FailureReason = from.FailureReason
	to.LastFailedSyncAt = from.LastFailedSyncAt
}

// MarkFailed implements outbox.Resolver
func (r *Resolver) MarkFailed(ctx context.Context, op *outbox.Operation, reason string) error {
	local, err := r.get(ctx, op.EntityType, op.EntityID)
	if err != nil || local == nil {
		return err
	}
	now := r.clock.Now()
	local.Status = entity.StatusFailed
	local.FailureReason = reason
	local.LastFailedSyncAt = &now
	return r.store.Upsert(ctx, local)
}

// MarkRetrying implements outbox.Resolver
func (r *Resolver) MarkRetrying(ctx context.Context, op *outbox.Operation) error {
	local, err := r.get(ctx, op.EntityType, op.EntityID)
	if err != nil || local == nil {
		return err
	}
	local.Status = entity.StatusDirty
	if local.Version == 0 {
		local.Status = entity.StatusPending
	}
	local.FailureReason = ""
	return r.store.Upsert(ctx, local)
}

// ApplyCancelled implements outbox.Resolver. The cancelled operation was a
// create that never reached the server, so the local tombstone is final.
func (r *Resolver) ApplyCancelled(ctx context.Context, op *outbox.Operation) error {
	local, err := r.get(ctx, op.EntityType, op.EntityID)
	if err != nil || local == nil {
		return err
	}
	local.Status = entity.StatusSynced
	local.FailureReason = ""
	if local.DeletedAt == nil {
		now := r.clock.Now()
		local.DeletedAt = &now
	}
	return r.store.Upsert(ctx, local)
}

// ApplyPulled applies a record fetched from the server. It takes the
// entity's lock, so it must not be called from a Resolver hook.
func (r *Resolver) ApplyPulled(ctx context.Context, rec *remote.Record) (PullOutcome, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: nil record", entity.ErrInvalid)
	}
	unlock, err := r.locks.Lock(ctx, rec.Type, rec.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	deferred, err := r.deferIfInFlight(ctx, rec.Type, rec.ID, rec.Version)
	if err != nil || deferred {
		return PullDeferred, err
	}

	local, err := r.get(ctx, rec.Type, rec.ID)
	if err != nil {
		return "", err
	}
	if local != nil && rec.Version <= local.Version {
		return PullSkippedStale, nil
	}
	if local == nil && rec.IsDeleted() && !rec.HasBody() {
		r.logger.Debug("Skipping tombstone for unknown entity", "entity_type", rec.Type, "entity_id", rec.ID, "version", rec.Version)
		return PullSkippedStale, nil
	}

	if rec.IsDeleted() {
		err = r.tombstone(ctx, local, rec, rec.Version, true)
	} else {
		err = r.overwrite(ctx, local, rec, true)
	}
	if err != nil {
		return "", err
	}
	r.logger.Debug("Pulled record applied", "entity_type", rec.Type, "entity_id", rec.ID, "version", rec.Version, "deleted", rec.IsDeleted())
	return PullApplied, nil
}

// ApplyRemoteDeletion tombstones an entity the server reported deleted
// without fetching it. A zero version means unknown.
func (r *Resolver) ApplyRemoteDeletion(ctx context.Context, t entity.Type, id string, version int64) (PullOutcome, error) {
	unlock, err := r.locks.Lock(ctx, t, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	deferred, err := r.deferIfInFlight(ctx, t, id, version)
	if err != nil || deferred {
		return PullDeferred, err
	}

	local, err := r.get(ctx, t, id)
	if err != nil {
		return "", err
	}
	if local == nil || local.IsDeleted() || (version > 0 && version <= local.Version) {
		return PullSkippedStale, nil
	}
	if err := r.tombstone(ctx, local, nil, version, true); err != nil {
		return "", err
	}
	r.logger.Debug("Remote deletion applied", "entity_type", t, "entity_id", id, "version", version)
	return PullApplied, nil
}

func (r *Resolver) deferIfInFlight(ctx context.Context, t entity.Type, id string, remoteVersion int64) (bool, error) {
	if r.inFlight == nil {
		return false, nil
	}
	busy, err := r.inFlight.HasInFlight(ctx, t, id)
	if err != nil || !busy {
		return false, err
	}

	var localVersion int64
	if local, err := r.get(ctx, t, id); err == nil && local != nil {
		localVersion = local.Version
	}
	r.record(LogEntry{
		Source:        SourcePull,
		EntityType:    t,
		EntityID:      id,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		Resolution:    ResolutionDeferred,
		At:            r.clock.Now(),
	})
	r.logger.Debug("Pulled record deferred behind queued operation", "entity_type", t, "entity_id", id, "remote_version", remoteVersion)
	return true, nil
}
