// Package sync decides when the engine pushes, pulls and retries.
//
// The Orchestrator runs one sync cycle at a time. Triggers that arrive
// while a cycle is running are merged into a single follow-up request, so a
// burst of realtime notifications costs at most one extra cycle.
package sync

import (
	"errors"
	"time"

	"github.com/tildaslashalef/fieldsync/internal/conflict"
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	"github.com/tildaslashalef/fieldsync/internal/remote"
)

// State is the orchestrator's phase
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StatePulling  State = "pulling"
	StateError    State = "error"
)

// Trigger is what started a cycle
type Trigger string

const (
	TriggerStart        Trigger = "start"
	TriggerConnectivity Trigger = "connectivity"
	TriggerManual       Trigger = "manual"
	TriggerRealtime     Trigger = "realtime"
	TriggerInterval     Trigger = "interval"
	TriggerRetry        Trigger = "retry"
)

// SyncErrorType classifies why a cycle failed
type SyncErrorType string

const (
	SyncErrorTypeNetwork   SyncErrorType = "network"
	SyncErrorTypeAuth      SyncErrorType = "auth"
	SyncErrorTypeServer    SyncErrorType = "server"
	SyncErrorTypeClient    SyncErrorType = "client"
	SyncErrorTypeStorage   SyncErrorType = "storage"
	SyncErrorTypeCancelled SyncErrorType = "cancelled"
	SyncErrorTypeUnknown   SyncErrorType = "unknown"
)

// classify maps a cycle error onto SyncErrorType
func classify(err error) SyncErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, outbox.ErrStorage), errors.Is(err, entity.ErrStorage):
		return SyncErrorTypeStorage
	}

	var remoteErr *remote.Error
	if !errors.As(err, &remoteErr) {
		if k := remote.KindOf(err); k == remote.KindNetwork {
			return SyncErrorTypeCancelled
		}
		return SyncErrorTypeUnknown
	}
	switch remoteErr.Kind {
	case remote.KindNetwork:
		return SyncErrorTypeNetwork
	case remote.KindAuth:
		return SyncErrorTypeAuth
	case remote.KindServer:
		return SyncErrorTypeServer
	case remote.KindValidation, remote.KindConflict, remote.KindNotFound:
		return SyncErrorTypeClient
	default:
		return SyncErrorTypeUnknown
	}
}

// SyncLog is the persisted record of one cycle
type SyncLog struct {
	ID           string        `json:"id"`
	Trigger      Trigger       `json:"trigger"`
	Success      bool          `json:"success"`
	ErrorType    SyncErrorType `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Pushed       int           `json:"pushed"`
	Pulled       int           `json:"pulled"`
	Deferred     int           `json:"deferred"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// CycleResult summarizes one sync cycle
type CycleResult struct {
	ID          string             `json:"id"`
	Trigger     Trigger            `json:"trigger"`
	Batch       outbox.BatchResult `json:"batch"`
	Pulled      int                `json:"pulled"`
	Skipped     int                `json:"skipped"`
	Deferred    int                `json:"deferred"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt time.Time          `json:"completedAt"`
	Err         error              `json:"-"`
}

// Pushed counts operations the server settled during the cycle
func (r CycleResult) Pushed() int {
	return r.Batch.Succeeded + r.Batch.Superseded
}

func (r *CycleResult) count(o conflict.PullOutcome) {
	switch o {
	case conflict.PullApplied:
		r.Pulled++
	case conflict.PullSkippedStale:
		r.Skipped++
	case conflict.PullDeferred:
		r.Deferred++
	}
}

// Log converts the result into its persisted form
func (r CycleResult) Log() *SyncLog {
	l := &SyncLog{
		ID:          r.ID,
		Trigger:     r.Trigger,
		Success:     r.Err == nil,
		Pushed:      r.Pushed(),
		Pulled:      r.Pulled,
		Deferred:    r.Deferred,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.Err != nil {
		l.ErrorType = classify(r.Err)
		l.ErrorMessage = r.Err.Error()
	}
	return l
}

// Status is the orchestrator snapshot published to subscribers
type Status struct {
	State        State      `json:"state"`
	Online       bool       `json:"online"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	Pending      int        `json:"pending"`
	Failed       int        `json:"failed"`
	CycleID      string     `json:"cycleId,omitempty"`
	Trigger      Trigger    `json:"trigger,omitempty"`
}

// target is an entity named by a realtime notification
type target struct {
	Type    entity.Type
	ID      string
	Deleted bool
	Version int64
}

func (t target) key() string {
	return string(t.Type) + "/" + t.ID
}

// request is a cycle waiting to run. Requests merge while a cycle runs.
type request struct {
	trigger  Trigger
	fullPull bool
	manual   bool
	targets  []target
	waiters  []chan CycleResult

	// skipDrain is set when the request only carries deletion notices
	skipDrain bool
}

func (r *request) merge(o request) {
	if o.manual {
		r.manual = true
		r.trigger = o.trigger
	}
	r.fullPull = r.fullPull || o.fullPull
	r.skipDrain = r.skipDrain && o.skipDrain

	seen := make(map[string]int, len(r.targets))
	for i, t := range r.targets {
		seen[t.key()] = i
	}
	for _, t := range o.targets {
		if i, ok := seen[t.key()]; ok {
			// a later notification supersedes an earlier one
			r.targets[i] = t
			continue
		}
		seen[t.key()] = len(r.targets)
		r.targets = append(r.targets, t)
	}
	r.waiters = append(r.waiters, o.waiters...)
}
