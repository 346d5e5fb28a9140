package rembg

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chaos-io/bgremover/metrics"
)

const defaultUnhealthyThreshold = 3

// Monitor 定期检查推理后端：预热未成功时重试预热，已预热时探活，
// 连续失败 threshold 次后标记为未就绪，恢复后重新标记就绪
type Monitor struct {
	remover   *BackgroundRemover
	prober    Prober
	threshold int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	fails int
}

func NewMonitor(remover *BackgroundRemover, threshold int, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = defaultUnhealthyThreshold
	}
	prober, _ := remover.Backend().(Prober)
	return &Monitor{
		remover:   remover,
		prober:    prober,
		threshold: threshold,
		metrics:   m,
		logger:    logger.With("component", "monitor"),
	}
}

// Check 执行一次检查，供定时任务调用
func (m *Monitor) Check(ctx context.Context) {
	if !m.remover.Warmed() {
		if err := m.remover.Load(ctx); err != nil {
			m.logger.Warn("model warm-up retry failed", "error", err)
		}
		return
	}
	if m.prober == nil {
		return
	}

	err := m.prober.Probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.fails++
		if m.metrics != nil {
			m.metrics.BackendProbeFail.Inc()
		}
		m.logger.Warn("backend probe failed", "consecutive_failures", m.fails, "error", err)
		if m.fails >= m.threshold && m.remover.Ready() {
			m.remover.SetReady(false)
			m.logger.Error("backend marked unavailable", "threshold", m.threshold)
		}
		return
	}

	if m.fails > 0 || !m.remover.Ready() {
		m.logger.Info("backend recovered", "after_failures", m.fails)
	}
	m.fails = 0
	if !m.remover.Ready() {
		m.remover.SetReady(true)
	}
}

func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fails
}
