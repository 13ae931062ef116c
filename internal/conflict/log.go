package conflict

import (
	"time"

	"github.com/tildaslashalef/fieldsync/internal/entity"
)

// Source says which sync direction met the conflict
type Source string

const (
	SourcePush Source = "push"
	SourcePull Source = "pull"
)

// Resolution names how a conflict was settled
type Resolution string

const (
	ResolutionServerWins    Resolution = "server_wins"
	ResolutionRemoteDeleted Resolution = "remote_deleted"
	ResolutionRetried       Resolution = "retried"
	ResolutionDeferred      Resolution = "deferred"
)

// LogEntry records one conflict and its resolution
type LogEntry struct {
	Source        Source          `json:"source"`
	EntityType    entity.Type     `json:"entityType"`
	EntityID      string          `json:"entityId"`
	OperationID   string          `json:"operationId,omitempty"`
	Kind          entity.Mutation `json:"kind,omitempty"`
	LocalVersion  int64           `json:"localVersion"`
	RemoteVersion int64           `json:"remoteVersion"`
	Resolution    Resolution      `json:"resolution"`
	At            time.Time       `json:"at"`
}

func (r *Resolver) record(e LogEntry) {
	r.mu.Lock()
	r.log = append(r.log, e)
	if len(r.log) > logSize {
		r.log = r.log[len(r.log)-logSize:]
	}
	r.mu.Unlock()

	r.events.Publish(e)
}

// Log returns the most recent conflicts, oldest first
func (r *Resolver) Log() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.log...)
}

// Subscribe registers fn for new conflict entries
func (r *Resolver) Subscribe(fn func(LogEntry)) func() {
	return r.events.Subscribe(fn)
}
