package provider

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Factory 为每个新地址创建一个全新的服务实例
type Factory func() Provider

// Settings 注册表配置
type Settings struct {
	Order        []Kind
	MailTMURL    string
	GuerrillaURL string
	Timeout      time.Duration
	// RateLimit 每个服务每秒的请求上限，<= 0 表示不限
	RateLimit float64
	Transport http.RoundTripper
}

// Registry 维护自动模式下的尝试顺序与各服务的工厂函数
//
// 同一服务的所有实例共享一个限流器。
type Registry struct {
	mu        sync.RWMutex
	order     []Kind
	factories map[Kind]Factory
}

// NewRegistry 按配置注册 Mail.tm 与 Guerrilla Mail
func NewRegistry(s Settings, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{factories: make(map[Kind]Factory)}

	mailtmOpts := s.options(s.MailTMURL, logger.With(zap.String("provider", string(KindMailTM))))
	r.Register(KindMailTM, func() Provider { return NewMailTM(mailtmOpts) })

	guerrillaOpts := s.options(s.GuerrillaURL, logger.With(zap.String("provider", string(KindGuerrilla))))
	r.Register(KindGuerrilla, func() Provider { return NewGuerrilla(guerrillaOpts) })

	order := s.Order
	if len(order) == 0 {
		order = []Kind{KindMailTM, KindGuerrilla}
	}
	r.SetOrder(order)
	return r
}

func (s Settings) options(baseURL string, logger *zap.Logger) Options {
	limit := rate.Inf
	burst := 1
	if s.RateLimit > 0 {
		limit = rate.Limit(s.RateLimit)
		burst = max(1, int(s.RateLimit))
	}
	return Options{
		BaseURL:   baseURL,
		Timeout:   s.Timeout,
		Limiter:   rate.NewLimiter(limit, burst),
		Transport: s.Transport,
		Logger:    logger,
	}
}

// Register 注册或覆盖某个服务的工厂
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// SetOrder 设置自动模式的尝试顺序
func (r *Registry) SetOrder(order []Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append([]Kind(nil), order...)
}

// Order 返回自动模式的尝试顺序副本
func (r *Registry) Order() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Kind(nil), r.order...)
}

// New 创建指定服务的新实例
func (r *Registry) New(kind Kind) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return f(), nil
}
