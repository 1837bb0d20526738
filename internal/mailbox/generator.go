package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/monitoring"
	"otprelay/backend/internal/provider"
)

// ErrAllProvidersExhausted 自动模式下所有服务均失败
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// Generator 按顺序尝试各个临时邮箱服务，成功后固定使用该服务
//
// 一个 Generator 只对应一个地址。需要新地址时创建新的 Generator。
type Generator struct {
	registry *provider.Registry
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	active  provider.Provider
	address string
}

// NewGenerator 创建地址生成器
func NewGenerator(registry *provider.Registry, metrics *monitoring.Metrics, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Generate 生成一个新地址
//
// 参数:
//   - preferred: auto 按注册表顺序尝试，第一个成功者胜出；指定服务时只尝试该服务
//
// 返回值:
//   - string: 新地址
//   - error: 指定服务失败时直接返回其错误；auto 全部失败时返回 ErrAllProvidersExhausted
func (g *Generator) Generate(ctx context.Context, preferred provider.Kind) (string, error) {
	if preferred != provider.KindAuto && preferred != "" {
		p, err := g.registry.New(preferred)
		if err != nil {
			return "", err
		}
		return g.try(ctx, p)
	}

	var causes []error
	for _, kind := range g.registry.Order() {
		if err := ctx.Err(); err != nil {
			causes = append(causes, err)
			break
		}
		p, err := g.registry.New(kind)
		if err != nil {
			causes = append(causes, err)
			continue
		}
		addr, err := g.try(ctx, p)
		if err == nil {
			return addr, nil
		}
		causes = append(causes, err)
		g.logger.Warn("Provider failed, trying next", zap.String("provider", kind.String()), zap.Error(err))
	}

	return "", fmt.Errorf("%w: %w", ErrAllProvidersExhausted, errors.Join(causes...))
}

func (g *Generator) try(ctx context.Context, p provider.Provider) (string, error) {
	addr, err := p.CreateAddress(ctx)
	if err != nil {
		g.metrics.RecordProviderFailure(p.Kind().String())
		return "", err
	}

	g.mu.Lock()
	g.active = p
	g.address = addr
	g.mu.Unlock()

	g.metrics.RecordAddressGenerated(p.Kind().String())
	g.logger.Info("Address generated", zap.String("provider", p.Kind().String()), zap.String("address", addr))
	return addr, nil
}

// CheckInbox 列出当前地址的收件箱
func (g *Generator) CheckInbox(ctx context.Context) ([]domain.Message, error) {
	p := g.current()
	if p == nil {
		return nil, provider.ErrNoActiveMailbox
	}
	return p.ListMessages(ctx)
}

// Fetch 获取邮件正文
func (g *Generator) Fetch(ctx context.Context, id string) (*domain.MessageBody, error) {
	p := g.current()
	if p == nil {
		return nil, provider.ErrNoActiveMailbox
	}
	return p.FetchBody(ctx, id)
}

// Address 当前地址，未生成时为空
func (g *Generator) Address() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.address
}

// ActiveKind 当前使用的服务，未生成时为空
func (g *Generator) ActiveKind() provider.Kind {
	p := g.current()
	if p == nil {
		return ""
	}
	return p.Kind()
}

func (g *Generator) current() provider.Provider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}
