package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otprelay/backend/internal/bridge"
	"otprelay/backend/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, idle time.Duration) (*bridge.Bridge, *httptest.Server) {
	t.Helper()
	b := bridge.New(nil, time.Hour, nil, nil)
	h := NewHandler(b, []string{"chrome-extension://abc"}, idle, nil)

	r := gin.New()
	r.GET("/ws/:user_id", h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHandler_PingPong(t *testing.T) {
	b, srv := newTestServer(t, time.Minute)
	conn := dial(t, srv, "u1", nil)

	require.Eventually(t, func() bool { return b.IsConnected("u1") }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventTypePong, ev.Type)
}

func TestHandler_StatusRequest(t *testing.T) {
	b, srv := newTestServer(t, time.Minute)
	b.RegisterEmail("u1", "abc@mail.tm")
	conn := dial(t, srv, "u1", nil)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "status"}))
	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventTypeStatus, ev.Type)
	assert.Equal(t, "abc@mail.tm", ev.Email)
	require.NotNil(t, ev.Connected)
	assert.True(t, *ev.Connected)
}

func TestHandler_FlushPendingOnConnect(t *testing.T) {
	b, srv := newTestServer(t, time.Minute)
	ctx := context.Background()

	delivered := b.Publish(ctx, "u1", domain.Event{Type: domain.EventTypeOTP, OTP: "123456", Email: "a@mail.tm"})
	require.False(t, delivered)
	require.True(t, b.HasPending(ctx, "u1"))

	conn := dial(t, srv, "u1", nil)
	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventTypeOTP, ev.Type)
	assert.Equal(t, "123456", ev.OTP)
	assert.False(t, b.HasPending(ctx, "u1"))
}

func TestHandler_LivePublish(t *testing.T) {
	b, srv := newTestServer(t, time.Minute)
	conn := dial(t, srv, "u1", nil)
	require.Eventually(t, func() bool { return b.IsConnected("u1") }, time.Second, 10*time.Millisecond)

	assert.True(t, b.Publish(context.Background(), "u1", domain.Event{Type: domain.EventTypeOTP, OTP: "4821"}))
	ev := readEvent(t, conn)
	assert.Equal(t, "4821", ev.OTP)
}

func TestHandler_IdlePing(t *testing.T) {
	_, srv := newTestServer(t, 100*time.Millisecond)
	conn := dial(t, srv, "u1", nil)

	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventTypePing, ev.Type)
}

func TestHandler_Disconnect(t *testing.T) {
	b, srv := newTestServer(t, time.Minute)
	conn := dial(t, srv, "u1", nil)
	require.Eventually(t, func() bool { return b.IsConnected("u1") }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !b.IsConnected("u1") }, 2*time.Second, 10*time.Millisecond)

	assert.False(t, b.Publish(context.Background(), "u1", domain.Event{Type: domain.EventTypeOTP, OTP: "123456"}))
	assert.True(t, b.HasPending(context.Background(), "u1"))
}

func TestHandler_Supersede(t *testing.T) {
	b, srv := newTestServer(t, time.Minute)
	first := dial(t, srv, "u1", nil)
	require.Eventually(t, func() bool { return b.IsConnected("u1") }, time.Second, 10*time.Millisecond)

	second := dial(t, srv, "u1", nil)
	require.NoError(t, second.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, domain.EventTypePong, readEvent(t, second).Type)

	// 旧连接收到关闭帧
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// 旧连接退出后新连接仍然登记
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.IsConnected("u1"))
	assert.Equal(t, 1, b.Status(context.Background()).Connected)
}

func TestHandler_Origin(t *testing.T) {
	_, srv := newTestServer(t, time.Minute)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/u1"

	t.Run("允许的来源", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"chrome-extension://abc"}})
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("拒绝的来源", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestClient_SendAfterClose(t *testing.T) {
	c := &Client{id: "c1", send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.Send(domain.NewPingEvent()))
	assert.ErrorIs(t, c.Send(domain.NewPingEvent()), ErrSendBufferFull)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send(domain.NewPingEvent()), ErrClientClosed)
}
