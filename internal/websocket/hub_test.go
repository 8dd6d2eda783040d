package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startHubServer registers every incoming connection under the account_id query value.
func startHubServer(t *testing.T, hub *Hub) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(r.URL.Query().Get("account_id"), conn)
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, hub *Hub, accountID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ActiveConnections(accountID) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcastReachesOnlyTheAccount(t *testing.T) {
	hub := NewHub(5, zerolog.Nop())
	url := startHubServer(t, hub)

	first := dial(t, url+"?account_id=a1")
	second := dial(t, url+"?account_id=a1")
	other := dial(t, url+"?account_id=a2")
	waitForConnections(t, hub, "a1", 2)
	waitForConnections(t, hub, "a2", 1)

	hub.Broadcast(Event{Type: "topic.created", AccountID: "a1", TopicID: "t1"})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, "topic.created", ev.Type)
		assert.Equal(t, "t1", ev.TopicID)
		assert.False(t, ev.At.IsZero())
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "subscriber of another account must not receive the event")
}

func TestHubConnectionLimit(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	url := startHubServer(t, hub)

	dial(t, url+"?account_id=a1")
	waitForConnections(t, hub, "a1", 1)

	rejected := dial(t, url+"?account_id=a1")
	_ = rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := rejected.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 1, hub.ActiveConnections("a1"))
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub(0, zerolog.Nop())
	hub.Unregister("nobody", nil)
	assert.Equal(t, 0, hub.ActiveConnections("nobody"))
}
