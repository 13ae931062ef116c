package realtime

import "github.com/tildaslashalef/fieldsync/internal/event"

// LocalChannel is an in-process Channel fed through Publish
type LocalChannel struct {
	events *event.Broadcaster[Message]
}

// NewLocalChannel creates an empty LocalChannel
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{events: event.NewBroadcaster[Message](event.DefaultBuffer)}
}

// Subscribe implements Channel
func (c *LocalChannel) Subscribe(fn func(Message)) func() {
	return c.events.Subscribe(fn)
}

// Publish delivers msg to every subscriber
func (c *LocalChannel) Publish(msg Message) {
	c.events.Publish(msg)
}
