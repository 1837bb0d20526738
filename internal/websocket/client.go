package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
)

var (
	// ErrClientClosed 连接已关闭
	ErrClientClosed = errors.New("websocket client closed")
	// ErrSendBufferFull 发送缓冲区已满，客户端读取过慢
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
	maxMessageSize = 4096
)

// inbound 扩展发来的消息，只关心 type 字段
type inbound struct {
	Type domain.EventType `json:"type"`
}

// Client 代表一个浏览器扩展的 WebSocket 连接
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	idle   time.Duration
	log    *zap.Logger

	lastSeen atomic.Int64 // unix nano
}

func newClient(id, userID string, conn *websocket.Conn, idle time.Duration, log *zap.Logger) *Client {
	c := &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		idle:   idle,
		log:    log.With(zap.String("user_id", userID), zap.String("conn_id", id)),
	}
	c.touch()
	return c
}

// ID 连接 ID
func (c *Client) ID() string {
	return c.id
}

// Send 把事件放入发送队列，不阻塞
func (c *Client) Send(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// Close 关闭连接，可重复调用
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) silence() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

// readPump 处理扩展发来的消息，读超时为两倍空闲时间
func (c *Client) readPump(email func() string, onExit func()) {
	defer func() {
		onExit()
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(2 * c.idle))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.idle))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("Websocket read error", zap.Error(err))
			}
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(2 * c.idle))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("Invalid websocket message", zap.Error(err))
			continue
		}
		c.handleMessage(msg, email)
	}
}

func (c *Client) handleMessage(msg inbound, email func() string) {
	var err error
	switch msg.Type {
	case domain.EventTypePing:
		err = c.Send(domain.NewPongEvent())
	case domain.EventTypeStatus:
		err = c.Send(domain.NewConnectionStatusEvent(email()))
	case domain.EventTypePong:
	default:
		c.log.Warn("Unknown message type", zap.String("type", string(msg.Type)))
	}
	if err != nil {
		c.log.Warn("Failed to reply", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// writePump 发送队列中的消息；入站静默超过空闲时间时发送 ping 探测
func (c *Client) writePump() {
	check := c.idle / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var lastPing time.Time
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("Websocket write failed", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			if c.silence() < c.idle || time.Since(lastPing) < c.idle {
				continue
			}
			data, _ := json.Marshal(domain.NewPingEvent())
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
			lastPing = time.Now()
		}
	}
}
