package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/auth"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("hub-secret")

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub("default", logging.NewDiscardLogger())
	go h.Run(ctx)

	srv := httptest.NewServer(NewRouter(h, testSecret))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, h *Hub, userID string) *websocket.Conn {
	t.Helper()
	tok, err := auth.GenerateToken(auth.Identity{UserID: userID}, testSecret, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.Online(context.Background(), userID) > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_RejectsMissingToken(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_Healthz(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHub_SendToUser(t *testing.T) {
	h, srv := startHub(t)
	bob := dial(t, srv, h, "bob")

	err := h.SendToUser(context.Background(), "bob", Frame{Type: "MessageRead", Payload: json.RawMessage(`{"messageId":"m1"}`)})
	require.NoError(t, err)

	f := readFrame(t, bob)
	assert.Equal(t, "MessageRead", f.Type)
	assert.JSONEq(t, `{"messageId":"m1"}`, string(f.Payload))
}

func TestHub_TenantIsolation(t *testing.T) {
	h, srv := startHub(t)
	dial(t, srv, h, "bob")

	other := common.WithTenant(context.Background(), "other")
	assert.Equal(t, 0, h.Online(other, "bob"))
	assert.Equal(t, 1, h.Online(context.Background(), "bob"))
}

func TestHub_RoomBroadcastExcludesSender(t *testing.T) {
	h, srv := startHub(t)
	alice := dial(t, srv, h, "alice")
	bob := dial(t, srv, h, "bob")

	for _, c := range []*websocket.Conn{alice, bob} {
		require.NoError(t, c.WriteJSON(control{Action: "join", RoomID: "r1"}))
	}
	require.Eventually(t, func() bool { return h.RoomSize(context.Background(), "r1") == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.BroadcastToRoom(context.Background(), "r1", "alice", Frame{Type: "EncryptedMessageSend", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, h.SendToUser(context.Background(), "alice", Frame{Type: "marker", Payload: json.RawMessage(`{}`)}))

	assert.Equal(t, "EncryptedMessageSend", readFrame(t, bob).Type)
	// alice's first frame is the marker: the broadcast skipped her
	assert.Equal(t, "marker", readFrame(t, alice).Type)

	require.NoError(t, bob.WriteJSON(control{Action: "leave", RoomID: "r1"}))
	require.Eventually(t, func() bool { return h.RoomSize(context.Background(), "r1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h, srv := startHub(t)
	bob := dial(t, srv, h, "bob")

	bob.Close()
	assert.Eventually(t, func() bool { return h.Online(context.Background(), "bob") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	require.NoError(t, r.SendToUser(ctx, "bob", Frame{Type: "a"}))
	require.NoError(t, r.BroadcastToRoom(ctx, "room", "alice", Frame{Type: "b"}))

	assert.Len(t, r.Deliveries(), 2)
	assert.Len(t, r.ForUser("bob"), 1)
	assert.Equal(t, "alice", r.Deliveries()[1].Exclude)

	require.NoError(t, r.SendToUser(common.WithTenant(ctx, "acme"), "bob", Frame{Type: "c"}))
	assert.Equal(t, "acme", r.Deliveries()[2].Tenant)
	assert.Empty(t, r.Deliveries()[0].Tenant)
}
