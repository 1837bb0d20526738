package monitor

import (
	"context"
	"sync"
	"time"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/provider"
)

// Mailbox 会话使用的地址生成器，*mailbox.Generator 实现该接口
type Mailbox interface {
	Generate(ctx context.Context, preferred provider.Kind) (string, error)
	CheckInbox(ctx context.Context) ([]domain.Message, error)
	Fetch(ctx context.Context, id string) (*domain.MessageBody, error)
	Address() string
	ActiveKind() provider.Kind
}

// Session 一个用户的监控会话
type Session struct {
	UserID    string
	Address   string
	Provider  provider.Kind
	CreatedAt time.Time

	mailbox Mailbox

	mu         sync.Mutex
	monitoring bool
	loopToken  uint64
	startedAt  time.Time
	seen       map[string]struct{}
}

// SessionInfo 会话快照
type SessionInfo struct {
	UserID     string        `json:"user_id"`
	Address    string        `json:"email"`
	Provider   provider.Kind `json:"provider"`
	CreatedAt  time.Time     `json:"created_at"`
	Monitoring bool          `json:"monitoring"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	Seen       int           `json:"messages_checked"`
}

func newSession(userID string, mb Mailbox, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		Address:   mb.Address(),
		Provider:  mb.ActiveKind(),
		CreatedAt: now,
		mailbox:   mb,
		seen:      make(map[string]struct{}),
	}
}

// Snapshot 返回会话的副本
func (s *Session) Snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		UserID:     s.UserID,
		Address:    s.Address,
		Provider:   s.Provider,
		CreatedAt:  s.CreatedAt,
		Monitoring: s.monitoring,
		Seen:       len(s.seen),
	}
	if s.monitoring {
		started := s.startedAt
		info.StartedAt = &started
	}
	return info
}

// markSeen 记录邮件 ID，已存在时返回 false；集合只增不减
func (s *Session) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// active 判断 token 对应的循环是否仍然有效
func (s *Session) active(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitoring && s.loopToken == token
}

// finish 循环结束时回到空闲状态，只在 token 仍有效时生效
func (s *Session) finish(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopToken != token || !s.monitoring {
		return false
	}
	s.monitoring = false
	return true
}

func (s *Session) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.monitoring
	s.monitoring = false
	return was
}
