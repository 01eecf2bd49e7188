package feed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/models"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(ServeWS(hub, zap.NewNop()))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub, _ := startHub(t)
	a := dial(t, hub)
	b := dial(t, hub)

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast(context.Background(), []byte(`{"status":"delivered"}`))

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"delivered"}`, string(msg))
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, _ := startHub(t)
	slow := &Client{hub: hub, send: make(chan []byte, 1)}
	slow.send <- []byte("stale")
	hub.register <- slow

	hub.Broadcast(context.Background(), []byte("x"))

	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("stale"), <-slow.send)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestHubStopClosesClients(t *testing.T) {
	hub, cancel := startHub(t)
	c := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- c

	cancel()
	<-hub.done
	_, open := <-c.send
	assert.False(t, open)

	// leaving after shutdown must not block
	hub.leave(c)
	hub.Broadcast(context.Background(), []byte("late"))
}

func TestRelayForwardsPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	hub, _ := startHub(t)
	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Relay(ctx, rdb, "email_queue:events", hub, zap.NewNop())

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("email_queue:events")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := models.DeliveryEvent{
		Status:        models.StatusDelivered,
		ProteinTarget: "EGFR",
		LigandTarget:  "ATP",
		UserID:        "u1",
		Attempts:      1,
		At:            time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, NewRedisPublisher(rdb, "email_queue:events").Publish(context.Background(), event))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got models.DeliveryEvent
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, event, got)
}
