// Package remote defines the contract the sync engine uses to reach the
// authoritative server, together with its HTTP binding.
package remote

import (
	"context"
	"time"

	"github.com/tildaslashalef/fieldsync/internal/entity"
)

// Record is the server's copy of an entity
type Record struct {
	Type      entity.Type        `json:"entityType"`
	ID        string             `json:"id"`
	Version   int64              `json:"version"`
	Pin       *entity.PinFields  `json:"pin,omitempty"`
	Form      *entity.FormFields `json:"form,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	DeletedAt *time.Time         `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the server has tombstoned the record
func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// HasBody reports whether the record carries the fields of its type. The
// server may send tombstones without a body.
func (r *Record) HasBody() bool {
	switch r.Type {
	case entity.TypePin:
		return r.Pin != nil
	case entity.TypeForm:
		return r.Form != nil
	}
	return false
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	e := r.ToEntity().Clone()
	c := *r
	c.Pin, c.Form, c.DeletedAt = e.Pin, e.Form, e.DeletedAt
	return &c
}

// ToEntity converts the record into a synced local entity without local-only fields
func (r *Record) ToEntity() *entity.Entity {
	e := &entity.Entity{
		Type:      r.Type,
		ID:        r.ID,
		Version:   r.Version,
		Status:    entity.StatusSynced,
		Pin:       r.Pin,
		Form:      r.Form,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
	}
	return e.Clone()
}

// PushRequest is one outbox operation as delivered to the server
type PushRequest struct {
	Kind           entity.Mutation   `json:"kind"`
	EntityType     entity.Type       `json:"entityType"`
	EntityID       string            `json:"id"`
	IdempotencyKey string            `json:"idempotencyKey"`
	BaseVersion    int64             `json:"baseVersion"`
	DeviceID       string            `json:"deviceId"`
	Pin            *entity.PinPatch  `json:"pin,omitempty"`
	Form           *entity.FormPatch `json:"form,omitempty"`
}

// PushResult is the server's acknowledgement of an accepted write
type PushResult struct {
	NewVersion int64   `json:"version"`
	Duplicate  bool    `json:"duplicate,omitempty"`
	Record     *Record `json:"record,omitempty"`
}

// Gateway performs the network calls of the sync engine. Implementations
// return *Error for every failure so callers can classify it with KindOf.
type Gateway interface {
	// Push delivers a create, update or delete. A version mismatch is an
	// Error of KindConflict.
	Push(ctx context.Context, req PushRequest) (PushResult, error)

	// PullByID fetches one record, tombstones included. A missing record is
	// an Error of KindNotFound.
	PullByID(ctx context.Context, t entity.Type, id string) (*Record, error)

	// PullAllSince fetches every record of t updated at or after since
	PullAllSince(ctx context.Context, t entity.Type, since time.Time) ([]*Record, error)
}

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call of next by d. A call that runs out of time
// fails with KindNetwork.
func WithTimeout(next Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: d}
}

func (g *timeoutGateway) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err := g.next.Push(ctx, req)
	return res, classifyTimeout(ctx, err)
}

func (g *timeoutGateway) PullByID(ctx context.Context, t entity.Type, id string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	rec, err := g.next.PullByID(ctx, t, id)
	return rec, classifyTimeout(ctx, err)
}

func (g *timeoutGateway) PullAllSince(ctx context.Context, t entity.Type, since time.Time) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	recs, err := g.next.PullAllSince(ctx, t, since)
	return recs, classifyTimeout(ctx, err)
}

func classifyTimeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded && KindOf(err) != KindNetwork {
		return &Error{Kind: KindNetwork, Message: "request timed out", Err: err}
	}
	return err
}
