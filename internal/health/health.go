package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// maxGoroutines 超过该数量时存活检查失败
const maxGoroutines = 10000

// PingFunc 检查一个依赖是否可用
type PingFunc func(ctx context.Context) error

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger

	mu     sync.Mutex
	checks map[string]healthcheck.Check
}

// NewHealthChecker 创建健康检查器，默认包含 goroutine 数量的存活检查
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
		checks: make(map[string]healthcheck.Check),
	}
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	return hc
}

// AddReadinessCheck 注册就绪检查，每次检查最多等待 timeout
func (hc *HealthChecker) AddReadinessCheck(name string, ping PingFunc, timeout time.Duration) {
	check := healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return ping(ctx)
	}, timeout)

	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, check)
}

// Handler 返回健康检查处理器，提供 /live 和 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行全部就绪检查并返回每项结果
func (hc *HealthChecker) CheckHealth() (map[string]string, bool) {
	hc.mu.Lock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]healthcheck.Check, len(names))
	for i, name := range names {
		checks[i] = hc.checks[name]
	}
	hc.mu.Unlock()

	results := make(map[string]string, len(names))
	healthy := true
	for i, name := range names {
		if err := checks[i](); err != nil {
			healthy = false
			results[name] = "ERROR: " + err.Error()
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "OK"
	}
	return results, healthy
}
