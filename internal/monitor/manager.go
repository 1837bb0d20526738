package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/monitoring"
	"otprelay/backend/internal/pool"
	"otprelay/backend/internal/provider"
)

var (
	// ErrNoSession 用户没有会话（未生成地址或已过期）
	ErrNoSession = errors.New("no session")
	// ErrTooManySessions 同时运行的监控循环已达上限
	ErrTooManySessions = errors.New("too many monitoring sessions")
)

// Publisher 投递桥，*bridge.Bridge 实现该接口
type Publisher interface {
	Publish(ctx context.Context, userID string, ev domain.Event) bool
	RegisterEmail(userID, email string)
}

// Config 监控配置
type Config struct {
	CheckInterval   time.Duration
	OTPTimeout      time.Duration
	SessionTTL      time.Duration
	CleanupInterval time.Duration
	MaxSessions     int
	Filter          SystemFilter
	LengthHints     []int
}

// DefaultConfig 默认监控配置
func DefaultConfig() Config {
	return Config{
		CheckInterval:   3 * time.Second,
		OTPTimeout:      180 * time.Second,
		SessionTTL:      time.Hour,
		CleanupInterval: 5 * time.Minute,
		MaxSessions:     100,
		Filter:          DefaultSystemFilter(),
	}
}

// Manager 会话表与监控循环的所有者
//
// 会话按用户独立加锁，不存在全局锁。
type Manager struct {
	cfg        Config
	sessions   sync.Map // userID -> *Session
	count      atomic.Int64
	tokens     atomic.Uint64
	newMailbox func() Mailbox
	publisher  Publisher
	notifier   Notifier
	pool       *pool.WorkerPool
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewManager 创建会话管理器
//
// 参数:
//   - newMailbox: 每次生成新地址时创建一个全新的 Mailbox
//   - publisher: 验证码与新地址事件的投递目标
//   - notifier: 面向用户的通知，nil 时使用 LogNotifier
func NewManager(cfg Config, newMailbox func() Mailbox, publisher Publisher, notifier Notifier, metrics *monitoring.Metrics, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.OTPTimeout <= 0 {
		cfg.OTPTimeout = def.OTPTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}

	p := pool.NewWorkerPool(cfg.MaxSessions, logger)
	p.OnPanic = func(any) { metrics.RecordPanic() }

	return &Manager{
		cfg:        cfg,
		newMailbox: newMailbox,
		publisher:  publisher,
		notifier:   notifier,
		pool:       p,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// NewAddress 为用户生成新地址并开始监控
//
// 旧会话被替换，其监控循环在下一次检查时退出。地址生成成功后总是返回会话快照；
// 监控无法启动时同时返回 ErrTooManySessions。
func (m *Manager) NewAddress(ctx context.Context, userID string, kind provider.Kind) (SessionInfo, error) {
	mb := m.newMailbox()
	if _, err := mb.Generate(ctx, kind); err != nil {
		m.logger.Warn("Address generation failed", zap.String("user_id", userID), zap.Error(err))
		return SessionInfo{}, err
	}

	s := newSession(userID, mb, m.now())
	prev, loaded := m.sessions.Swap(userID, s)
	if loaded {
		prev.(*Session).stop()
		m.logger.Info("Session superseded", zap.String("user_id", userID), zap.String("old_address", prev.(*Session).Address))
	} else {
		m.metrics.UpdateSessionsActive(int(m.count.Add(1)))
	}

	m.publisher.RegisterEmail(userID, s.Address)
	m.publisher.Publish(ctx, userID, domain.Event{
		Type:      domain.EventTypeNewEmail,
		Email:     s.Address,
		Timestamp: m.now(),
	})

	m.logger.Info("Session created",
		zap.String("user_id", userID),
		zap.String("address", s.Address),
		zap.String("provider", s.Provider.String()),
	)

	if _, err := m.StartMonitoring(userID); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// StartMonitoring 启动监控循环
//
// 返回值:
//   - bool: false 表示已经在监控中（幂等）
//   - error: ErrNoSession 或 ErrTooManySessions
func (m *Manager) StartMonitoring(userID string) (bool, error) {
	s, ok := m.session(userID)
	if !ok {
		return false, ErrNoSession
	}

	s.mu.Lock()
	if s.monitoring {
		s.mu.Unlock()
		return false, nil
	}
	token := m.tokens.Add(1)
	s.monitoring = true
	s.loopToken = token
	s.startedAt = m.now()
	s.mu.Unlock()

	err := m.pool.TrySubmit(func(ctx context.Context) {
		m.run(ctx, s, token)
	})
	if err != nil {
		s.finish(token)
		if errors.Is(err, pool.ErrPoolFull) {
			m.logger.Warn("Monitoring capacity exhausted",
				zap.String("user_id", userID),
				zap.Int("max_sessions", m.cfg.MaxSessions),
			)
			return false, ErrTooManySessions
		}
		return false, fmt.Errorf("start monitoring: %w", err)
	}

	m.notifier.MonitoringStarted(userID, s.Address, m.cfg.OTPTimeout)
	return true, nil
}

// StopMonitoring 请求停止监控，循环在下一次检查时退出
//
// 返回值:
//   - bool: false 表示本来就未在监控
func (m *Manager) StopMonitoring(userID string) (bool, error) {
	s, ok := m.session(userID)
	if !ok {
		return false, ErrNoSession
	}
	stopped := s.stop()
	if stopped {
		m.logger.Info("Monitoring stop requested", zap.String("user_id", userID))
	}
	return stopped, nil
}

// CheckInbox 手动列出收件箱
func (m *Manager) CheckInbox(ctx context.Context, userID string) ([]domain.Message, error) {
	s, ok := m.session(userID)
	if !ok {
		return nil, ErrNoSession
	}
	return s.mailbox.CheckInbox(ctx)
}

// Status 返回会话快照
func (m *Manager) Status(userID string) (SessionInfo, error) {
	s, ok := m.session(userID)
	if !ok {
		return SessionInfo{}, ErrNoSession
	}
	return s.Snapshot(), nil
}

// Count 会话数
func (m *Manager) Count() int {
	return int(m.count.Load())
}

// Monitoring 正在运行的监控循环数
func (m *Manager) Monitoring() int {
	return m.pool.Running()
}

// Sweep 删除创建时间早于 SessionTTL 的会话（无论是否在监控），返回删除数量
func (m *Manager) Sweep(now time.Time) int {
	removed := 0
	m.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		if now.Sub(s.CreatedAt) <= m.cfg.SessionTTL {
			return true
		}
		if m.sessions.CompareAndDelete(key, value) {
			s.stop()
			removed++
			m.count.Add(-1)
		}
		return true
	})
	if removed > 0 {
		m.metrics.RecordSessionsExpired(removed)
		m.metrics.UpdateSessionsActive(m.Count())
		m.logger.Info("Expired sessions removed", zap.Int("count", removed), zap.Int("remaining", m.Count()))
	}
	return removed
}

// RunSweeper 每隔 CleanupInterval 清理一次过期会话，直到 ctx 结束
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Close 停止所有监控循环并等待退出
func (m *Manager) Close() {
	m.sessions.Range(func(_, value any) bool {
		value.(*Session).stop()
		return true
	})
	m.pool.Stop()
}

func (m *Manager) session(userID string) (*Session, bool) {
	v, ok := m.sessions.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// current 会话仍在表中（未被替换或清理）
func (m *Manager) current(s *Session) bool {
	cur, ok := m.session(s.UserID)
	return ok && cur == s
}

// owns 会话仍在表中且 token 对应的循环仍然有效
func (m *Manager) owns(s *Session, token uint64) bool {
	return m.current(s) && s.active(token)
}
