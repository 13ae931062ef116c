package realtime_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/realtime"
	"github.com/tildaslashalef/fieldsync/internal/remote"
	"github.com/tildaslashalef/fieldsync/internal/remote/remotetest"
)

type recorder struct {
	mu   sync.Mutex
	msgs []realtime.Message
}

func (r *recorder) add(msg realtime.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) has(match func(realtime.Message) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if match(m) {
			return true
		}
	}
	return false
}

func startChannel(t *testing.T, url, token string, heartbeat time.Duration) (*realtime.WebSocketChannel, *recorder) {
	t.Helper()
	ch := realtime.NewWebSocketChannel(realtime.WebSocketConfig{
		URL:               url,
		Token:             token,
		DeviceID:          "dev-1",
		HeartbeatInterval: heartbeat,
		ReconnectMin:      10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
	}, loggy.NewNoopLogger())

	rec := &recorder{}
	unsubscribe := ch.Subscribe(rec.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		unsubscribe()
	})
	return ch, rec
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebSocketChannel_DeliversNotifications(t *testing.T) {
	server := remotetest.NewServer(remotetest.WithToken("secret"))
	server.Seed(&remote.Record{Type: entity.TypePin, ID: "pin-1", Version: 1,
		Pin: &entity.PinFields{Title: "Well", Latitude: 45, Longitude: 7}})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ch, rec := startChannel(t, wsURL(srv), "secret", time.Minute)

	require.Eventually(t, func() bool {
		return rec.has(func(m realtime.Message) bool { return m.Type == realtime.TypeWelcome })
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ch.Connected())

	_, err := server.BumpRemote(entity.TypePin, "pin-1", func(r *remote.Record) { r.Pin.Title = "Dry well" })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.has(func(m realtime.Message) bool {
			return m.Type == realtime.TypePin && m.Action == realtime.ActionUpdated &&
				m.AggregateID == "pin-1" && m.Version == 2
		})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketChannel_HeartbeatPongsAreNotPublished(t *testing.T) {
	server := remotetest.NewServer()
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ch, rec := startChannel(t, wsURL(srv), "", 20*time.Millisecond)

	require.Eventually(t, ch.Connected, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.True(t, ch.Connected())
	assert.False(t, rec.has(func(m realtime.Message) bool { return m.Type == realtime.TypePong }))
}

func TestWebSocketChannel_RetriesRejectedConnection(t *testing.T) {
	server := remotetest.NewServer(remotetest.WithToken("secret"))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ch, rec := startChannel(t, wsURL(srv), "wrong", time.Minute)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ch.Connected())
	assert.False(t, rec.has(func(realtime.Message) bool { return true }))
}

func TestMessage_EntityType(t *testing.T) {
	typ, ok := realtime.Message{Type: realtime.TypeForm}.EntityType()
	assert.True(t, ok)
	assert.Equal(t, entity.TypeForm, typ)

	_, ok = realtime.Message{Type: realtime.TypeImage}.EntityType()
	assert.False(t, ok)
}
