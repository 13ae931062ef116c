// Package realtime receives server-pushed change notifications.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/tildaslashalef/fieldsync/internal/entity"
)

// MessageType is the channel a notification belongs to
type MessageType string

const (
	TypePin     MessageType = "pin"
	TypeForm    MessageType = "form"
	TypeImage   MessageType = "image"
	TypeSystem  MessageType = "system"
	TypeWelcome MessageType = "welcome"
	TypePing    MessageType = "ping"
	TypePong    MessageType = "pong"
)

// Actions carried by entity notifications
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Message is one server notification
type Message struct {
	Type        MessageType     `json:"type"`
	Action      string          `json:"action,omitempty"`
	AggregateID string          `json:"aggregateId,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// EntityType returns the entity a pin or form notification refers to
func (m Message) EntityType() (entity.Type, bool) {
	switch m.Type {
	case TypePin:
		return entity.TypePin, true
	case TypeForm:
		return entity.TypeForm, true
	default:
		return "", false
	}
}

// ImagePayload is the body of an image notification
type ImagePayload struct {
	PinID string `json:"pinId"`
}

// Channel delivers notifications to subscribers. Connection management is
// the channel's own concern.
type Channel interface {
	Subscribe(fn func(Message)) func()
}
