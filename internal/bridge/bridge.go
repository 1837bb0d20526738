package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otprelay/backend/internal/cache"
	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/monitoring"
	"otprelay/backend/internal/otp"
)

// ErrDeliveryFailed 实时发送失败，连接已被移除，事件转入待投递
var ErrDeliveryFailed = errors.New("delivery failed")

// Connection 浏览器扩展的一条实时连接
//
// Send 不得阻塞；Close 可重复调用。
type Connection interface {
	ID() string
	Send(ev domain.Event) error
	Close()
}

// Snapshot 投递桥状态
type Snapshot struct {
	Connected int `json:"connected_users"`
	Pending   int `json:"pending_otps"`
}

// slot 单个用户的连接槽，锁保证同一用户的注册、发送与暂存互斥
type slot struct {
	mu   sync.Mutex
	conn Connection
}

// Bridge 投递桥：连接注册表 + 待投递存储
//
// 对同一用户：存在实时连接时不会留下待投递事件。
type Bridge struct {
	slots     sync.Map // userID -> *slot
	connected atomic.Int64
	pending   PendingStore
	emails    *cache.LocalCache[string]
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// New 创建投递桥
//
// 参数:
//   - pending: 待投递存储，nil 时使用不过期的内存存储
//   - emailTTL: 用户当前邮箱的保留时间
func New(pending PendingStore, emailTTL time.Duration, metrics *monitoring.Metrics, logger *zap.Logger) *Bridge {
	if pending == nil {
		pending = NewMemoryPending(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		pending: pending,
		emails:  cache.NewLocalCache[string](emailTTL),
		metrics: metrics,
		logger:  logger,
	}
}

func (b *Bridge) slot(userID string) *slot {
	if s, ok := b.slots.Load(userID); ok {
		return s.(*slot)
	}
	s, _ := b.slots.LoadOrStore(userID, &slot{})
	return s.(*slot)
}

// Register 登记用户的实时连接
//
// 旧连接被静默关闭；待投递事件立即发送并删除，发送失败时新连接视为已断开。
func (b *Bridge) Register(ctx context.Context, userID string, conn Connection) {
	s := b.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.conn
	s.conn = conn
	switch {
	case old == nil:
		b.connected.Add(1)
	case old != conn:
		old.Close()
		b.logger.Info("Connection superseded", zap.String("user_id", userID), zap.String("old_conn", old.ID()))
	}

	b.logger.Info("Extension connected", zap.String("user_id", userID), zap.String("conn_id", conn.ID()))

	ev, ok, err := b.pending.Take(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to take pending event", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := conn.Send(ev); err != nil {
		b.deliveryFailed(s, userID, err)
		return
	}
	b.metrics.RecordEventPublished(string(ev.Type), "flushed")
	b.logger.Info("Pending event flushed", zap.String("user_id", userID), zap.String("type", string(ev.Type)))
}

// Unregister 移除并关闭用户的连接
func (b *Bridge) Unregister(userID string) {
	v, ok := b.slots.Load(userID)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	b.connected.Add(-1)
	conn.Close()
	b.logger.Info("Extension disconnected", zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
}

// Detach 仅当 conn 仍是当前连接时移除，返回是否移除
func (b *Bridge) Detach(userID string, conn Connection) bool {
	v, ok := b.slots.Load(userID)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return false
	}
	s.conn = nil
	b.connected.Add(-1)
	b.logger.Info("Extension disconnected", zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
	return true
}

// Publish 投递事件
//
// 返回值:
//   - bool: true 表示已实时发送；false 表示已暂存（覆盖之前的待投递事件）
func (b *Bridge) Publish(ctx context.Context, userID string, ev domain.Event) bool {
	s := b.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		err := s.conn.Send(ev)
		if err == nil {
			b.metrics.RecordEventPublished(string(ev.Type), "delivered")
			b.logger.Info("Event delivered", eventFields(userID, ev)...)
			return true
		}
		b.deliveryFailed(s, userID, err)
	}

	if err := b.pending.Put(ctx, userID, ev); err != nil {
		b.logger.Error("Failed to store pending event", append(eventFields(userID, ev), zap.Error(err))...)
	}
	b.metrics.RecordEventPublished(string(ev.Type), "pending")
	b.logger.Info("Event stored as pending", eventFields(userID, ev)...)
	return false
}

// deliveryFailed 移除失效连接，调用方持有 s.mu
func (b *Bridge) deliveryFailed(s *slot, userID string, cause error) {
	conn := s.conn
	s.conn = nil
	b.connected.Add(-1)
	conn.Close()

	b.metrics.RecordDeliveryFailure()
	b.logger.Warn("Live send failed, connection dropped",
		zap.String("user_id", userID),
		zap.String("conn_id", conn.ID()),
		zap.Error(fmt.Errorf("%w: %w", ErrDeliveryFailed, cause)),
	)
}

// IsConnected 用户当前是否有实时连接
func (b *Bridge) IsConnected(userID string) bool {
	v, ok := b.slots.Load(userID)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// HasPending 用户是否有待投递事件
func (b *Bridge) HasPending(ctx context.Context, userID string) bool {
	ok, err := b.pending.Has(ctx, userID)
	if err != nil {
		b.logger.Warn("Failed to check pending event", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

// Status 返回连接数与待投递数
func (b *Bridge) Status(ctx context.Context) Snapshot {
	n, err := b.pending.Count(ctx)
	if err != nil {
		b.logger.Warn("Failed to count pending events", zap.Error(err))
	}
	return Snapshot{Connected: int(b.connected.Load()), Pending: n}
}

// Ping 检查待投递存储是否可用
func (b *Bridge) Ping(ctx context.Context) error {
	return b.pending.Ping(ctx)
}

// RegisterEmail 记录用户当前的邮箱地址
func (b *Bridge) RegisterEmail(userID, email string) {
	b.emails.Set(userID, email)
}

// Email 用户当前的邮箱地址
func (b *Bridge) Email(userID string) (string, bool) {
	return b.emails.Get(userID)
}

// BroadcastStatus 向所有连接推送服务器状态，返回成功发送数
func (b *Bridge) BroadcastStatus(ctx context.Context) int {
	snap := b.Status(ctx)
	b.metrics.UpdateBridge(snap.Connected, snap.Pending)
	ev := domain.NewServerStatusEvent(snap.Connected, snap.Pending)

	sent := 0
	b.slots.Range(func(key, value any) bool {
		s := value.(*slot)
		s.mu.Lock()
		if s.conn != nil {
			if err := s.conn.Send(ev); err != nil {
				b.deliveryFailed(s, key.(string), err)
			} else {
				sent++
			}
		}
		s.mu.Unlock()
		return true
	})
	return sent
}

// RunBroadcaster 定期广播状态，interval <= 0 时只更新指标
func (b *Bridge) RunBroadcaster(ctx context.Context, interval time.Duration) {
	tick := interval
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if interval > 0 {
				b.BroadcastStatus(ctx)
				continue
			}
			snap := b.Status(ctx)
			b.metrics.UpdateBridge(snap.Connected, snap.Pending)
		}
	}
}

// RunJanitor 定期清理过期的邮箱记录与待投递事件
func (b *Bridge) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emails := b.emails.Purge()
			var pending int
			if p, ok := b.pending.(Purger); ok {
				n, err := p.Purge(ctx)
				if err != nil {
					b.logger.Warn("Failed to purge pending events", zap.Error(err))
				}
				pending = n
			}
			if emails > 0 || pending > 0 {
				b.logger.Debug("Bridge janitor", zap.Int("emails", emails), zap.Int("pending", pending))
			}
		}
	}
}

func eventFields(userID string, ev domain.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("type", string(ev.Type)),
	}
	if ev.OTP != "" {
		fields = append(fields, zap.String("otp", otp.Mask(ev.OTP)))
	}
	return fields
}
