package domain

import "time"

// EventType 推送给浏览器扩展的消息类型
type EventType string

const (
	EventTypeOTP      EventType = "otp"
	EventTypeNewEmail EventType = "new_email"
	EventTypeStatus   EventType = "status"
	EventTypePing     EventType = "ping"
	EventTypePong     EventType = "pong"
)

// Event 推送帧，扁平 JSON 结构，由 type 字段区分
type Event struct {
	Type           EventType `json:"type"`
	OTP            string    `json:"otp,omitempty"`
	Email          string    `json:"email,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Domain         string    `json:"domain,omitempty"`
	Connected      *bool     `json:"connected,omitempty"`
	ConnectedUsers *int      `json:"connected_users,omitempty"`
	PendingOTPs    *int      `json:"pending_otps,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewPingEvent 创建存活探测帧
func NewPingEvent() Event {
	return Event{Type: EventTypePing, Timestamp: time.Now()}
}

// NewPongEvent 创建 pong 应答帧
func NewPongEvent() Event {
	return Event{Type: EventTypePong, Timestamp: time.Now()}
}

// NewConnectionStatusEvent 创建单个连接的状态应答帧
func NewConnectionStatusEvent(email string) Event {
	connected := true
	return Event{
		Type:      EventTypeStatus,
		Connected: &connected,
		Email:     email,
		Timestamp: time.Now(),
	}
}

// NewServerStatusEvent 创建广播用的服务器状态帧
func NewServerStatusEvent(connectedUsers, pending int) Event {
	return Event{
		Type:           EventTypeStatus,
		ConnectedUsers: &connectedUsers,
		PendingOTPs:    &pending,
		Timestamp:      time.Now(),
	}
}
