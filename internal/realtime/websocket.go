package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"k8s.io/utils/clock"

	"github.com/tildaslashalef/fieldsync/internal/event"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

// WebSocketConfig configures a WebSocketChannel
type WebSocketConfig struct {
	URL               string
	Token             string
	DeviceID          string
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

// WebSocketChannel is a Channel backed by a websocket connection to the
// server. Run keeps the connection alive, reconnecting with exponential
// backoff, and sends a ping on every heartbeat.
type WebSocketChannel struct {
	cfg       WebSocketConfig
	events    *event.Broadcaster[Message]
	clock     clock.WithTicker
	logger    *loggy.Logger
	connected atomic.Bool
}

// Option configures a WebSocketChannel
type Option func(*WebSocketChannel)

// WithClock sets the clock driving heartbeats and reconnect waits
func WithClock(c clock.WithTicker) Option {
	return func(ch *WebSocketChannel) { ch.clock = c }
}

// NewWebSocketChannel creates a channel for cfg. Nothing is dialled until Run.
func NewWebSocketChannel(cfg WebSocketConfig, logger *loggy.Logger, opts ...Option) *WebSocketChannel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	c := &WebSocketChannel{
		cfg:    cfg,
		events: event.NewBroadcaster[Message](event.DefaultBuffer),
		clock:  clock.RealClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe implements Channel
func (c *WebSocketChannel) Subscribe(fn func(Message)) func() {
	return c.events.Subscribe(fn)
}

// Connected reports whether a connection is currently open
func (c *WebSocketChannel) Connected() bool {
	return c.connected.Load()
}

// Run connects and serves the connection until ctx is done
func (c *WebSocketChannel) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectMin
	policy.MaxInterval = c.cfg.ReconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		connectedAt := c.clock.Now()
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// a connection that stayed up for a while starts the schedule over
		if c.clock.Since(connectedAt) > c.cfg.ReconnectMax {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		c.logger.Warn("Realtime connection lost", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(wait):
		}
	}
}

func (c *WebSocketChannel) serve(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.DeviceID != "" {
		header.Set("X-Device-ID", c.cfg.DeviceID)
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("Realtime connected", "url", c.cfg.URL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(ctx, conn)

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("server closed connection: %s", closeErr.Reason)
			}
			return err
		}

		switch msg.Type {
		case TypePong:
			continue
		case TypeWelcome, TypeSystem:
			c.logger.Debug("Realtime control message", "type", msg.Type, "action", msg.Action)
		}
		c.events.Publish(msg)
	}
}

func (c *WebSocketChannel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			now := c.clock.Now()
			writeCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
			err := wsjson.Write(writeCtx, conn, Message{Type: TypePing, Timestamp: &now})
			cancel()
			if err != nil {
				c.logger.Debug("Realtime heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}
