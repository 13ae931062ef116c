// Package outbox implements the durable queue of local mutations waiting to
// be delivered to the server.
//
// Each entity has at most one live (pending or processing) operation.
// Further edits coalesce into it, so replays can never reorder one entity's
// changes. Operations are claimed oldest sequence number first with an
// atomic compare-and-set, delivered, and then finalized through a Resolver.
package outbox

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/remote"
)

// Status is the lifecycle state of an operation
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxAttempts bounds transient delivery failures
const DefaultMaxAttempts = 3

var (
	// ErrNotFound is returned when no matching operation exists
	ErrNotFound = errors.New("operation not found")

	// ErrStorage wraps failures to persist or read the queue
	ErrStorage = errors.New("outbox storage error")

	// ErrInvalidPayload is returned when a mutation fails validation at enqueue time
	ErrInvalidPayload = errors.New("invalid operation payload")

	// ErrEntityDeleted is returned when mutating an entity with a queued delete
	ErrEntityDeleted = errors.New("entity has a queued delete")

	// ErrNotClaimable is returned when a claim loses the compare-and-set
	ErrNotClaimable = errors.New("operation is not claimable")

	// ErrOperationInFlight is returned when an entity's operation is being delivered
	ErrOperationInFlight = errors.New("operation in flight for entity")

	// ErrLockTimeout is returned when the per-entity lock could not be taken in time
	ErrLockTimeout = errors.New("timed out waiting for entity lock")
)

// Operation is one queued mutation
type Operation struct {
	ID             string          `json:"id"`
	Kind           entity.Mutation `json:"kind"`
	EntityType     entity.Type     `json:"entityType"`
	EntityID       string          `json:"entityId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        Payload         `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	SequenceNumber int64           `json:"sequenceNumber"`
	DeviceID       string          `json:"deviceId"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
}

// Live reports whether the operation still occupies its entity's slot
func (o *Operation) Live() bool {
	return o.Status == StatusPending || o.Status == StatusProcessing
}

// Clone returns a deep copy
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	c.Payload = o.Payload.clone()
	if o.LastAttemptAt != nil {
		t := *o.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// PushRequest builds the gateway request for the operation
func (o *Operation) PushRequest() remote.PushRequest {
	p := o.Payload.clone()
	return remote.PushRequest{
		Kind:           o.Kind,
		EntityType:     o.EntityType,
		EntityID:       o.EntityID,
		IdempotencyKey: o.IdempotencyKey,
		BaseVersion:    p.BaseVersion,
		DeviceID:       o.DeviceID,
		Pin:            p.Pin,
		Form:           p.Form,
	}
}

// Payload is the mutation body. Exactly one of Pin and Form is set for
// creates and updates, matching the entity type; deletes carry neither.
type Payload struct {
	BaseVersion int64             `json:"baseVersion"`
	Pin         *entity.PinPatch  `json:"pin,omitempty"`
	Form        *entity.FormPatch `json:"form,omitempty"`
}

// PinPayload wraps a pin patch
func PinPayload(baseVersion int64, p entity.PinPatch) Payload {
	return Payload{BaseVersion: baseVersion, Pin: &p}
}

// FormPayload wraps a form patch
func FormPayload(baseVersion int64, p entity.FormPatch) Payload {
	return Payload{BaseVersion: baseVersion, Form: &p}
}

// DeletePayload is the body of a delete
func DeletePayload(baseVersion int64) Payload {
	return Payload{BaseVersion: baseVersion}
}

// Validate checks the payload against the operation kind and entity type
func (p Payload) Validate(kind entity.Mutation, t entity.Type) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	if !t.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidPayload, t)
	}
	if p.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base version", ErrInvalidPayload)
	}

	if kind == entity.MutationDelete {
		if p.Pin != nil || p.Form != nil {
			return fmt.Errorf("%w: delete carries fields", ErrInvalidPayload)
		}
		return nil
	}

	var err error
	switch t {
	case entity.TypePin:
		if p.Pin == nil || p.Form != nil {
			return fmt.Errorf("%w: pin %s needs pin fields only", ErrInvalidPayload, kind)
		}
		if kind == entity.MutationCreate {
			err = p.Pin.ValidateCreate()
		} else {
			err = p.Pin.ValidateUpdate()
		}
	case entity.TypeForm:
		if p.Form == nil || p.Pin != nil {
			return fmt.Errorf("%w: form %s needs form fields only", ErrInvalidPayload, kind)
		}
		if kind == entity.MutationCreate {
			err = p.Form.ValidateCreate()
		} else {
			err = p.Form.ValidateUpdate()
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if kind == entity.MutationCreate && p.BaseVersion != 0 {
		return fmt.Errorf("%w: create with base version %d", ErrInvalidPayload, p.BaseVersion)
	}
	return nil
}

// merge overlays newer's fields onto p, keeping p's base version
func (p Payload) merge(newer Payload) Payload {
	out := p.clone()
	switch {
	case out.Pin != nil && newer.Pin != nil:
		merged := out.Pin.Merge(*newer.Pin)
		out.Pin = &merged
	case newer.Pin != nil:
		pin := *newer.Pin
		out.Pin = &pin
	}
	switch {
	case out.Form != nil && newer.Form != nil:
		merged := out.Form.Merge(*newer.Form)
		out.Form = &merged
	case newer.Form != nil:
		form := *newer.Form
		out.Form = &form
	}
	return out
}

func (p Payload) clone() Payload {
	if p.Pin != nil {
		pin := p.Pin.Merge(entity.PinPatch{})
		p.Pin = &pin
	}
	if p.Form != nil {
		form := p.Form.Merge(entity.FormPatch{})
		if p.Form.Answers != nil {
			answers := make(map[string]string, len(p.Form.Answers))
			for k, v := range p.Form.Answers {
				answers[k] = v
			}
			form.Answers = answers
		}
		p.Form = &form
	}
	return p
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://fieldsync.dev/outbox"))

// IdempotencyKey derives the stable delivery key of one logical mutation.
// The sequence number acts as the logical clock, so the key changes
// whenever the operation's content does.
func IdempotencyKey(deviceID string, t entity.Type, id string, kind entity.Mutation, seq int64) string {
	name := strings.Join([]string{deviceID, string(t), id, string(kind), strconv.FormatInt(seq, 10)}, "|")
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// EventType names a queue lifecycle event
type EventType string

const (
	EventEnqueued       EventType = "operation_enqueued"
	EventCancelled      EventType = "operation_cancelled"
	EventCompleted      EventType = "operation_completed"
	EventFailed         EventType = "operation_failed"
	EventRetryScheduled EventType = "operation_retry_scheduled"
	EventRequeued       EventType = "operation_requeued"
	EventBatchCompleted EventType = "batch_completed"
)

// Event is published to queue subscribers
type Event struct {
	Type        EventType       `json:"type"`
	OperationID string          `json:"operationId,omitempty"`
	Kind        entity.Mutation `json:"kind,omitempty"`
	EntityType  entity.Type     `json:"entityType,omitempty"`
	EntityID    string          `json:"entityId,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	Coalesced   bool            `json:"coalesced,omitempty"`
	Superseded  bool            `json:"superseded,omitempty"`
	Error       string          `json:"error,omitempty"`
	NextAttempt *time.Time      `json:"nextAttempt,omitempty"`
	Batch       *BatchResult    `json:"batch,omitempty"`
	At          time.Time       `json:"at"`
}

// BatchResult summarizes one ProcessBatch or Drain call
type BatchResult struct {
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Superseded int `json:"superseded"`
	Retried    int `json:"retried"`
	Requeued   int `json:"requeued"`
	Failed     int `json:"failed"`
}

func (b *BatchResult) add(o BatchResult) {
	b.Processed += o.Processed
	b.Succeeded += o.Succeeded
	b.Superseded += o.Superseded
	b.Retried += o.Retried
	b.Requeued += o.Requeued
	b.Failed += o.Failed
}

// Health is the queue summary shown to users
type Health struct {
	PendingOperations int           `json:"pendingOperations"`
	Processing        int           `json:"processing"`
	Failed            int           `json:"failed"`
	OldestPendingAge  time.Duration `json:"oldestPendingAge"`
}

// Metrics are the queue counters
type Metrics struct {
	Pending    int   `json:"pending"`
	Processing int   `json:"processing"`
	Failed     int   `json:"failed"`
	Completed  int64 `json:"completed"`
}

// Counts is what a Repository reports for Health and Metrics
type Counts struct {
	Pending       int
	Processing    int
	Failed        int
	Completed     int64
	OldestPending *time.Time
}

// ListFilter narrows Repository.List. Zero fields match everything.
type ListFilter struct {
	Status     Status
	EntityType entity.Type
	EntityID   string
	Limit      int
}
