package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolFull 并发任务数已达上限
var ErrPoolFull = errors.New("worker pool is full")

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool is stopped")

// WorkerPool 协程池
//
// 用于限制同时运行的长任务数量（每个监控循环占用一个名额），
// 任务结束即释放名额。
type WorkerPool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	// OnPanic 任务 panic 时调用，可为空
	OnPanic func(recovered any)
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大并发任务数
func NewWorkerPool(maxWorkers int, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		slots:  make(chan struct{}, maxWorkers),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// TrySubmit 尝试提交任务
//
// 名额已满时立即返回 ErrPoolFull。任务收到的 ctx 在 Stop 时取消。
func (p *WorkerPool) TrySubmit(task func(ctx context.Context)) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.wg.Add(1)
	ctx := p.ctx
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
				if p.OnPanic != nil {
					p.OnPanic(r)
				}
			}
		}()
		task(ctx)
	}()
	return nil
}

// Running 当前运行中的任务数
func (p *WorkerPool) Running() int {
	return len(p.slots)
}

// Capacity 最大并发任务数
func (p *WorkerPool) Capacity() int {
	return cap(p.slots)
}

// Stop 取消所有任务并等待退出
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
}
