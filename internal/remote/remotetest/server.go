// Package remotetest provides an in-memory authoritative server for tests and
// local development. It can be used directly as a remote.Gateway or served
// over HTTP with the same routes the remote.Client speaks.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/event"
	"github.com/tildaslashalef/fieldsync/internal/realtime"
	"github.com/tildaslashalef/fieldsync/internal/remote"
)

// Server keeps the authoritative copy of every record and enforces
// optimistic concurrency on writes
type Server struct {
	mu      sync.Mutex
	records map[string]*remote.Record
	seen    map[string]remote.PushResult
	faults  []remote.Kind
	latency time.Duration
	token   string
	clock   clock.PassiveClock
	notify  *event.Broadcaster[realtime.Message]

	pushes  int
	effects int
	pulls   int
}

// Option configures a Server
type Option func(*Server)

// WithClock sets the clock used for record timestamps
func WithClock(c clock.PassiveClock) Option {
	return func(s *Server) { s.clock = c }
}

// WithToken makes the HTTP handler require the bearer token
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// NewServer creates an empty server
func NewServer(opts ...Option) *Server {
	s := &Server{
		records: make(map[string]*remote.Record),
		seen:    make(map[string]remote.PushResult),
		clock:   clock.RealClock{},
		notify:  event.NewBroadcaster[realtime.Message](event.DefaultBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recordKey(t entity.Type, id string) string {
	return string(t) + "/" + id
}

// Seed stores rec as-is
func (s *Server) Seed(rec *remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(rec.Type, rec.ID)] = rec.Clone()
}

// Record returns a copy of the stored record or nil
func (s *Server) Record(t entity.Type, id string) *remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[recordKey(t, id)].Clone()
}

// BumpRemote simulates a write from another device: fn edits the record and
// its version is incremented. It returns the new version.
func (s *Server) BumpRemote(t entity.Type, id string, fn func(*remote.Record)) (int64, error) {
	s.mu.Lock()
	rec, ok := s.records[recordKey(t, id)]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%s %s does not exist", t, id)
	}
	if fn != nil {
		fn(rec)
	}
	rec.Version++
	rec.UpdatedAt = s.clock.Now()
	msg := notification(rec, realtime.ActionUpdated)
	s.mu.Unlock()

	s.notify.Publish(msg)
	return msg.Version, nil
}

// DeleteRemote simulates a deletion from another device
func (s *Server) DeleteRemote(t entity.Type, id string) (int64, error) {
	s.mu.Lock()
	rec, ok := s.records[recordKey(t, id)]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%s %s does not exist", t, id)
	}
	now := s.clock.Now()
	rec.Version++
	rec.UpdatedAt = now
	rec.DeletedAt = &now
	msg := notification(rec, realtime.ActionDeleted)
	s.mu.Unlock()

	s.notify.Publish(msg)
	return msg.Version, nil
}

// FailNext makes the next n calls fail with kind
func (s *Server) FailNext(n int, kind remote.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, kind)
	}
}

// SetLatency delays every call by d, honouring cancellation
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Pushes returns how many pushes reached the server, duplicates included
func (s *Server) Pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

// Effects returns how many pushes changed server state
func (s *Server) Effects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effects
}

// Pulls returns how many pull calls were served
func (s *Server) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

// Subscribe receives the change notifications the server emits
func (s *Server) Subscribe(fn func(realtime.Message)) func() {
	return s.notify.Subscribe(fn)
}

func (s *Server) enter(ctx context.Context) error {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return &remote.Error{Kind: remote.KindNetwork, Message: "request cancelled", Err: ctx.Err()}
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.faults) > 0 {
		kind := s.faults[0]
		s.faults = s.faults[1:]
		return remote.NewError(kind, "injected %s failure", kind)
	}
	return nil
}

// Push implements remote.Gateway
func (s *Server) Push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	if err := s.enter(ctx); err != nil {
		return remote.PushResult{}, err
	}

	s.mu.Lock()
	s.pushes++
	if req.IdempotencyKey != "" {
		if prev, ok := s.seen[req.IdempotencyKey]; ok {
			s.mu.Unlock()
			prev.Duplicate = true
			return prev, nil
		}
	}

	res, msg, err := s.apply(req)
	if err != nil {
		s.mu.Unlock()
		return remote.PushResult{}, err
	}
	s.effects++
	if req.IdempotencyKey != "" {
		s.seen[req.IdempotencyKey] = res
	}
	s.mu.Unlock()

	s.notify.Publish(msg)
	return res, nil
}

// apply runs one write under s.mu
func (s *Server) apply(req remote.PushRequest) (remote.PushResult, realtime.Message, error) {
	if err := validatePush(req); err != nil {
		return remote.PushResult{}, realtime.Message{}, err
	}

	now := s.clock.Now()
	key := recordKey(req.EntityType, req.EntityID)
	rec, exists := s.records[key]

	var action string
	switch req.Kind {
	case entity.MutationCreate:
		if exists {
			return remote.PushResult{}, realtime.Message{},
				remote.NewError(remote.KindConflict, "%s %s already exists at version %d", req.EntityType, req.EntityID, rec.Version)
		}
		rec = &remote.Record{Type: req.EntityType, ID: req.EntityID, CreatedAt: now}
		switch req.EntityType {
		case entity.TypePin:
			rec.Pin = &entity.PinFields{}
			req.Pin.Apply(rec.Pin)
		case entity.TypeForm:
			rec.Form = &entity.FormFields{}
			req.Form.Apply(rec.Form)
		}
		s.records[key] = rec
		action = realtime.ActionCreated

	case entity.MutationUpdate, entity.MutationDelete:
		if !exists {
			return remote.PushResult{}, realtime.Message{},
				remote.NewError(remote.KindNotFound, "%s %s not found", req.EntityType, req.EntityID)
		}
		if rec.IsDeleted() {
			return remote.PushResult{}, realtime.Message{},
				remote.NewError(remote.KindConflict, "%s %s was deleted at version %d", req.EntityType, req.EntityID, rec.Version)
		}
		if rec.Version != req.BaseVersion {
			return remote.PushResult{}, realtime.Message{},
				remote.NewError(remote.KindConflict, "%s %s is at version %d, not %d", req.EntityType, req.EntityID, rec.Version, req.BaseVersion)
		}
		if req.Kind == entity.MutationDelete {
			rec.DeletedAt = &now
			action = realtime.ActionDeleted
		} else {
			if req.Pin != nil {
				req.Pin.Apply(rec.Pin)
			}
			if req.Form != nil {
				req.Form.Apply(rec.Form)
			}
			action = realtime.ActionUpdated
		}
	}

	rec.Version++
	rec.UpdatedAt = now
	return remote.PushResult{NewVersion: rec.Version, Record: rec.Clone()}, notification(rec, action), nil
}

func validatePush(req remote.PushRequest) error {
	if !req.EntityType.Valid() || req.EntityID == "" {
		return remote.NewError(remote.KindValidation, "invalid target %s/%s", req.EntityType, req.EntityID)
	}
	if (req.EntityType == entity.TypePin && req.Form != nil) || (req.EntityType == entity.TypeForm && req.Pin != nil) {
		return remote.NewError(remote.KindValidation, "payload does not match %s", req.EntityType)
	}

	var err error
	switch req.Kind {
	case entity.MutationCreate:
		switch {
		case req.EntityType == entity.TypePin && req.Pin != nil:
			err = req.Pin.ValidateCreate()
		case req.EntityType == entity.TypeForm && req.Form != nil:
			err = req.Form.ValidateCreate()
		default:
			err = fmt.Errorf("create without fields")
		}
	case entity.MutationUpdate:
		switch {
		case req.Pin != nil:
			err = req.Pin.ValidateUpdate()
		case req.Form != nil:
			err = req.Form.ValidateUpdate()
		default:
			err = fmt.Errorf("update without fields")
		}
	case entity.MutationDelete:
	default:
		err = fmt.Errorf("unknown kind %q", req.Kind)
	}
	if err != nil {
		return remote.NewError(remote.KindValidation, "%v", err)
	}
	return nil
}

func notification(rec *remote.Record, action string) realtime.Message {
	ts := rec.UpdatedAt
	return realtime.Message{
		Type:        realtime.MessageType(rec.Type),
		Action:      action,
		AggregateID: rec.ID,
		Version:     rec.Version,
		Timestamp:   &ts,
	}
}

// PullByID implements remote.Gateway
func (s *Server) PullByID(ctx context.Context, t entity.Type, id string) (*remote.Record, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++

	rec, ok := s.records[recordKey(t, id)]
	if !ok {
		return nil, remote.NewError(remote.KindNotFound, "%s %s not found", t, id)
	}
	return rec.Clone(), nil
}

// PullAllSince implements remote.Gateway
func (s *Server) PullAllSince(ctx context.Context, t entity.Type, since time.Time) ([]*remote.Record, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++

	var out []*remote.Record
	for _, rec := range s.records {
		if rec.Type == t && !rec.UpdatedAt.Before(since) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}
