package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// DefaultGoroutineThreshold 存活检查允许的最大 goroutine 数
const DefaultGoroutineThreshold = 10000

const pingTimeout = 2 * time.Second

// Pinger 可探测的依赖，*bridge.Bridge 实现该接口
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health             healthcheck.Handler
	pending            Pinger
	goroutineThreshold int
	logger             *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - pending: 待投递存储，就绪检查依赖它
//   - goroutineThreshold: 存活检查的 goroutine 上限，<= 0 时使用默认值
func NewHealthChecker(pending Pinger, goroutineThreshold int, logger *zap.Logger) *HealthChecker {
	if goroutineThreshold <= 0 {
		goroutineThreshold = DefaultGoroutineThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:             healthcheck.NewHandler(),
		pending:            pending,
		goroutineThreshold: goroutineThreshold,
		logger:             logger,
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(hc.goroutineThreshold))
	hc.health.AddReadinessCheck("pending-store", healthcheck.Timeout(hc.pingPending, pingTimeout))
}

func (hc *HealthChecker) pingPending() error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := hc.pending.Ping(ctx); err != nil {
		hc.logger.Warn("Pending store ping failed", zap.Error(err))
		return err
	}
	return nil
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查，返回各项结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.pingPending(); err != nil {
		results["pending_store"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["pending_store"] = "OK"
	}

	if err := healthcheck.GoroutineCountCheck(hc.goroutineThreshold)(); err != nil {
		results["system"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["system"] = "OK"
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}

// Healthy 所有检查都通过
func Healthy(results map[string]string) bool {
	for key, v := range results {
		if key != "timestamp" && v != "OK" {
			return false
		}
	}
	return true
}
