package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newWSServer(t *testing.T, hub *Hub, authorize JoinAuthorizer) *httptest.Server {
	t.Helper()
	srv := NewServer(ServerConfig{Hub: hub, Logger: zaptest.NewLogger(t), Authorize: authorize})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Serve(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?user=" + user
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, name string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(Event{Name: name, Data: raw})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, msg))
}

func receive(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func waitMembers(t *testing.T, hub *Hub, documentID string, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := hub.Members(documentID)
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketCollaboration(t *testing.T) {
	hub := newTestHub(t, nil)
	ts := newWSServer(t, hub, nil)

	alice := dial(t, ts, "")
	send(t, alice, EventJoin, map[string]string{"documentId": "doc-1", "userId": "alice"})
	waitMembers(t, hub, "doc-1", "alice")

	bob := dial(t, ts, "")
	send(t, bob, EventJoin, map[string]string{"documentId": "doc-1", "userId": "bob"})

	ev := receive(t, alice)
	assert.Equal(t, EventUserJoined, ev.Name)
	var joined PresenceData
	require.NoError(t, json.Unmarshal(ev.Data, &joined))
	assert.Equal(t, "bob", joined.UserID)

	send(t, alice, EventCursorMove, map[string]any{"documentId": "doc-1", "userId": "alice", "position": map[string]int{"offset": 12}})
	ev = receive(t, bob)
	assert.Equal(t, EventCursorUpdate, ev.Name)
	var cursor CursorData
	require.NoError(t, json.Unmarshal(ev.Data, &cursor))
	assert.JSONEq(t, `{"offset":12}`, string(cursor.Position))

	hub.ContentUpdated(context.Background(), "doc-1", "node-1", "X", "alice")
	assert.Equal(t, EventContentUpdated, receive(t, alice).Name)
	assert.Equal(t, EventContentUpdated, receive(t, bob).Name)

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "bye"))
	ev = receive(t, alice)
	assert.Equal(t, EventUserLeft, ev.Name)
	var left PresenceData
	require.NoError(t, json.Unmarshal(ev.Data, &left))
	assert.Equal(t, "bob", left.UserID)
	waitMembers(t, hub, "doc-1", "alice")
}

func TestWebSocketAuthenticatedIdentityWins(t *testing.T) {
	hub := newTestHub(t, nil)
	ts := newWSServer(t, hub, nil)

	conn := dial(t, ts, "carol")
	send(t, conn, EventJoin, map[string]string{"documentId": "doc-1", "userId": "mallory"})
	waitMembers(t, hub, "doc-1", "carol")
}

func TestWebSocketJoinAuthorization(t *testing.T) {
	hub := newTestHub(t, nil)
	ts := newWSServer(t, hub, func(_ context.Context, userID, documentID string) error {
		if documentID == "secret" {
			return errors.New("forbidden")
		}
		return nil
	})

	conn := dial(t, ts, "dave")
	send(t, conn, EventJoin, map[string]string{"documentId": "secret"})
	ev := receive(t, conn)
	assert.Equal(t, EventError, ev.Name)
	assert.Empty(t, hub.Members("secret"))

	send(t, conn, EventJoin, map[string]string{"documentId": "open"})
	waitMembers(t, hub, "open", "dave")
}

func TestWebSocketIgnoresGarbage(t *testing.T) {
	hub := newTestHub(t, nil)
	ts := newWSServer(t, hub, nil)

	conn := dial(t, ts, "erin")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	send(t, conn, "unknown_event", map[string]string{})
	send(t, conn, EventJoin, map[string]string{"userId": "erin"})
	send(t, conn, EventJoin, map[string]string{"documentId": "doc-1"})
	waitMembers(t, hub, "doc-1", "erin")
}
