package wshandler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	wscontracts "xrart/contracts/ws"
	"xrart/internal/registry"
)

type markCall struct {
	recipientID    int64
	notificationID int64
}

type fakeCoordinator struct {
	mu           sync.Mutex
	connected    map[int64]registry.Conn
	disconnected []int64
	marks        []markCall
	drain        [][]byte
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{connected: make(map[int64]registry.Conn)}
}

func (f *fakeCoordinator) Connect(ctx context.Context, recipientID int64, conn registry.Conn) {
	f.mu.Lock()
	f.connected[recipientID] = conn
	drain := f.drain
	f.drain = nil
	f.mu.Unlock()

	for _, p := range drain {
		_ = conn.Send(ctx, p)
	}
}

func (f *fakeCoordinator) Disconnect(recipientID int64, conn registry.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected[recipientID] == conn {
		delete(f.connected, recipientID)
	}
	f.disconnected = append(f.disconnected, recipientID)
}

func (f *fakeCoordinator) MarkReadFor(_ context.Context, recipientID, notificationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, markCall{recipientID, notificationID})
	return nil
}

func (f *fakeCoordinator) snapshot() (int, []int64, []markCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connected), append([]int64(nil), f.disconnected...), append([]markCall(nil), f.marks...)
}

// serve mounts the handler behind a stub that trusts ?uid=, standing in for
// the JWT middleware.
func serve(t *testing.T, coord Coordinator, cfg Config) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(coord, cfg, zap.NewNop())
	r.GET("/ws", func(c *gin.Context) {
		if c.Query("uid") == "7" {
			c.Set("user_id", int64(7))
		}
	}, h.Serve)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func expectPong(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(wscontracts.ControlFrame{Type: wscontracts.FramePing}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong wscontracts.PongFrame
	require.NoError(t, ws.ReadJSON(&pong))
	assert.Equal(t, wscontracts.FramePong, pong.Type)
}

func TestServeRejectsUnauthenticated(t *testing.T) {
	coord := newFakeCoordinator()
	url := serve(t, coord, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	n, _, _ := coord.snapshot()
	assert.Zero(t, n)
}

func TestServeDrainsOnConnect(t *testing.T) {
	coord := newFakeCoordinator()
	coord.drain = [][]byte{[]byte(`{"notificationId":1}`), []byte(`{"notificationId":2}`)}
	ws := dial(t, serve(t, coord, Config{})+"?uid=7")

	for _, want := range []string{`{"notificationId":1}`, `{"notificationId":2}`} {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestServeReadNotificationFrame(t *testing.T) {
	coord := newFakeCoordinator()
	ws := dial(t, serve(t, coord, Config{})+"?uid=7")

	require.NoError(t, ws.WriteJSON(wscontracts.ControlFrame{Type: wscontracts.FrameReadNotification, NotificationID: 42}))
	require.NoError(t, ws.WriteJSON(wscontracts.ControlFrame{Type: wscontracts.FrameReadNotification}))
	expectPong(t, ws)

	_, _, marks := coord.snapshot()
	assert.Equal(t, []markCall{{recipientID: 7, notificationID: 42}}, marks)
}

func TestServeIgnoresPingsOverRateLimit(t *testing.T) {
	coord := newFakeCoordinator()
	ws := dial(t, serve(t, coord, Config{FrameRate: 0.001, FrameBurst: 2})+"?uid=7")

	for i := 0; i < 3; i++ {
		require.NoError(t, ws.WriteJSON(wscontracts.ControlFrame{Type: wscontracts.FramePing}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var pong wscontracts.PongFrame
		require.NoError(t, ws.ReadJSON(&pong))
	}

	// 第三个 ping 超出速率被忽略，连接仍然保持
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	n, disconnected, _ := coord.snapshot()
	assert.Equal(t, 1, n)
	assert.Empty(t, disconnected)
}

func TestServeReadFramesOverRateLimitAreDelayedNotDropped(t *testing.T) {
	coord := newFakeCoordinator()
	ws := dial(t, serve(t, coord, Config{})+"?uid=7")

	const total = 30
	for i := int64(1); i <= total; i++ {
		require.NoError(t, ws.WriteJSON(wscontracts.ControlFrame{Type: wscontracts.FrameReadNotification, NotificationID: i}))
	}

	require.Eventually(t, func() bool {
		_, _, marks := coord.snapshot()
		return len(marks) == total
	}, 5*time.Second, 10*time.Millisecond)

	_, _, marks := coord.snapshot()
	for i, m := range marks {
		assert.Equal(t, markCall{recipientID: 7, notificationID: int64(i + 1)}, m)
	}
}

func TestServeOversizedFrameClosesConnection(t *testing.T) {
	coord := newFakeCoordinator()
	ws := dial(t, serve(t, coord, Config{MaxMessageSize: 64})+"?uid=7")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))

	assert.Eventually(t, func() bool {
		n, disconnected, _ := coord.snapshot()
		return n == 0 && len(disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeDisconnectsOnClientClose(t *testing.T) {
	coord := newFakeCoordinator()
	ws := dial(t, serve(t, coord, Config{})+"?uid=7")
	expectPong(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = ws.Close()

	assert.Eventually(t, func() bool {
		n, disconnected, _ := coord.snapshot()
		return n == 0 && len(disconnected) == 1 && disconnected[0] == 7
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	check := originChecker([]string{"https://xr.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://xr.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
