// Package entity holds the locally stored field records (pins and forms)
// together with the sync metadata the engine maintains for them.
package entity

import (
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of record
type Type string

const (
	TypePin  Type = "pin"
	TypeForm Type = "form"
)

// Types lists every synchronized entity type, in pull order
var Types = []Type{TypePin, TypeForm}

// Valid reports whether t is a known entity type
func (t Type) Valid() bool {
	return t == TypePin || t == TypeForm
}

// ParseType converts s into a Type
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Status is the local sync state of a record
type Status string

const (
	// StatusPending marks a record created locally and never acknowledged
	StatusPending Status = "pending"
	// StatusDirty marks a synced record with unsent local changes
	StatusDirty Status = "dirty"
	// StatusSynced marks a record matching the last known server version
	StatusSynced Status = "synced"
	// StatusFailed marks a record whose last change could not be delivered
	StatusFailed Status = "failed"
)

// Mutation is the kind of change a local edit produces
type Mutation string

const (
	MutationCreate Mutation = "create"
	MutationUpdate Mutation = "update"
	MutationDelete Mutation = "delete"
)

// Valid reports whether m is a known mutation kind
func (m Mutation) Valid() bool {
	return m == MutationCreate || m == MutationUpdate || m == MutationDelete
}

var (
	// ErrNotFound is returned when a record does not exist locally
	ErrNotFound = errors.New("entity not found")

	// ErrStorage wraps failures of the local store
	ErrStorage = errors.New("local storage error")

	// ErrInvalid is returned for records that fail validation
	ErrInvalid = errors.New("invalid entity")
)

// Entity is one pin or form plus its sync metadata. Exactly one of Pin and
// Form is set, matching Type.
type Entity struct {
	Type             Type        `json:"entityType"`
	ID               string      `json:"id"`
	Version          int64       `json:"version"`
	Status           Status      `json:"status"`
	Pin              *PinFields  `json:"pin,omitempty"`
	Form             *FormFields `json:"form,omitempty"`
	LocalImages      []string    `json:"localImages,omitempty"`
	FailureReason    string      `json:"failureReason,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	LastSyncedAt     *time.Time  `json:"lastSyncedAt,omitempty"`
	LastFailedSyncAt *time.Time  `json:"lastFailedSyncAt,omitempty"`
	DeletedAt        *time.Time  `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the record carries a tombstone
func (e *Entity) IsDeleted() bool {
	return e.DeletedAt != nil
}

// Validate checks the tagged fields match the type
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	switch e.Type {
	case TypePin:
		if e.Pin == nil || e.Form != nil {
			return fmt.Errorf("%w: pin %s must carry pin fields only", ErrInvalid, e.ID)
		}
	case TypeForm:
		if e.Form == nil || e.Pin != nil {
			return fmt.Errorf("%w: form %s must carry form fields only", ErrInvalid, e.ID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, e.Type)
	}
	return nil
}

// Clone returns a deep copy
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Pin != nil {
		p := e.Pin.clone()
		c.Pin = &p
	}
	if e.Form != nil {
		f := e.Form.clone()
		c.Form = &f
	}
	c.LocalImages = append([]string(nil), e.LocalImages...)
	c.LastSyncedAt = cloneTime(e.LastSyncedAt)
	c.LastFailedSyncAt = cloneTime(e.LastFailedSyncAt)
	c.DeletedAt = cloneTime(e.DeletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PinFields are the domain fields of a map pin
type PinFields struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Category    string   `json:"category,omitempty"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
}

func (p PinFields) clone() PinFields {
	p.ImageURLs = append([]string(nil), p.ImageURLs...)
	return p
}

// FormFields are the domain fields of a survey form attached to a pin
type FormFields struct {
	PinID   string            `json:"pinId"`
	Title   string            `json:"title"`
	Status  string            `json:"status,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}

func (f FormFields) clone() FormFields {
	if f.Answers != nil {
		answers := make(map[string]string, len(f.Answers))
		for k, v := range f.Answers {
			answers[k] = v
		}
		f.Answers = answers
	}
	return f
}

// unsentStatus is the status of a local change to a record at version
func unsentStatus(version int64) Status {
	if version == 0 {
		return StatusPending
	}
	return StatusDirty
}
