package notification

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/devicemap/internal/connection"
	"github.com/smukkama/devicemap/internal/protocol"
	"github.com/smukkama/devicemap/internal/timer"
)

func newTestHub(t *testing.T, maxConns int, inactivity time.Duration) (*Hub, string) {
	t.Helper()

	sched := timer.NewScheduler()
	sched.Start()
	t.Cleanup(sched.Stop)

	hub := NewHub(connection.NewManager(maxConns), sched, inactivity, time.Second)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(ws)
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func subscribe(t *testing.T, ws *websocket.Conn, deviceID int64, sessionID string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(protocol.SubscribeMessage{
		Type:      protocol.MsgTypeSubscribe,
		DeviceID:  deviceID,
		SessionID: sessionID,
	}))
	ack := readJSON(t, ws)
	require.Equal(t, "ack", ack["type"])
	require.Equal(t, protocol.AckStatusSubscribed, ack["status"])
}

func TestHub_SubscribeAndBroadcast(t *testing.T) {
	hub, url := newTestHub(t, 10, time.Minute)

	device := dial(t, url)
	overview := dial(t, url)
	other := dial(t, url)
	subscribe(t, device, 7, "")
	subscribe(t, overview, protocol.OverviewDeviceID, "")
	subscribe(t, other, 8, "")

	assert.Equal(t, 1, hub.Broadcast(7, protocol.NewInvalidateMessage(7)))
	assert.Equal(t, 1, hub.Broadcast(protocol.OverviewDeviceID, protocol.NewInvalidateMessage(7)))

	for _, ws := range []*websocket.Conn{device, overview} {
		msg := readJSON(t, ws)
		assert.Equal(t, "invalidate", msg["type"])
		assert.Equal(t, float64(7), msg["device_id"])
	}

	assert.Equal(t, 0, hub.Broadcast(99, protocol.NewInvalidateMessage(99)))
	assert.Equal(t, 3, hub.Stats().TotalConnections)
}

func TestHub_NotifySession(t *testing.T) {
	hub, url := newTestHub(t, 10, time.Minute)

	ws := dial(t, url)
	subscribe(t, ws, 3, "session-1")

	assert.Equal(t, 1, hub.NotifySession("session-1"))
	msg := readJSON(t, ws)
	assert.Equal(t, "viewport", msg["type"])
	assert.Equal(t, "session-1", msg["session_id"])

	assert.Equal(t, 0, hub.NotifySession("session-2"))
}

func TestHub_KeepaliveAndBadFrames(t *testing.T) {
	_, url := newTestHub(t, 10, time.Minute)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"keepalive"}`)))
	assert.Equal(t, protocol.AckStatusAlive, readJSON(t, ws)["status"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","device_id":-1}`)))
	assert.Equal(t, protocol.AckStatusError, readJSON(t, ws)["status"])

	// the socket survives a bad frame
	subscribe(t, ws, 1, "")
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, url := newTestHub(t, 10, time.Minute)
	ws := dial(t, url)
	subscribe(t, ws, 5, "")
	require.Equal(t, 1, hub.Stats().TotalConnections)

	ws.Close()
	assert.Eventually(t, func() bool { return hub.Stats().TotalConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_InactivityTimeout(t *testing.T) {
	hub, url := newTestHub(t, 10, 50*time.Millisecond)
	ws := dial(t, url)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return hub.Stats().TotalConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_MaxConnections(t *testing.T) {
	_, url := newTestHub(t, 1, time.Minute)
	first := dial(t, url)
	subscribe(t, first, 1, "")

	second := dial(t, url)
	assert.Equal(t, protocol.AckStatusError, readJSON(t, second)["status"])
}
