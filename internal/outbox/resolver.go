package outbox

import (
	"context"

	"github.com/tildaslashalef/fieldsync/internal/remote"
)

// ResolutionAction tells the queue what to do with an operation whose
// delivery was rejected by a conflict
type ResolutionAction int

const (
	// ResolutionDropped means the server state won and the operation is discarded
	ResolutionDropped ResolutionAction = iota
	// ResolutionRequeue means the operation should be retried against BaseVersion
	ResolutionRequeue
)

func (a ResolutionAction) String() string {
	if a == ResolutionRequeue {
		return "requeue"
	}
	return "dropped"
}

// Resolution is the Resolver's verdict on a conflict
type Resolution struct {
	Action      ResolutionAction
	BaseVersion int64
}

// Resolver finalizes local entity state for delivery outcomes. The queue
// calls it while holding the entity's lock, so implementations must not take
// that lock themselves.
type Resolver interface {
	// ApplyAccepted records the server's acknowledgement on the entity
	ApplyAccepted(ctx context.Context, op *Operation, res remote.PushResult) error

	// ResolveConflict reconciles the entity with the server after a version
	// conflict or a missing remote record
	ResolveConflict(ctx context.Context, op *Operation) (Resolution, error)

	// MarkFailed marks the entity as failed with reason
	MarkFailed(ctx context.Context, op *Operation, reason string) error

	// MarkRetrying clears a previous failure when op is retried
	MarkRetrying(ctx context.Context, op *Operation) error

	// ApplyCancelled settles the entity after op was cancelled before delivery
	ApplyCancelled(ctx context.Context, op *Operation) error
}
