package broker

import (
	"context"
	"sync"
	"time"

	"jsqueue/internal/logger"
)

// HealthChecker is implemented by Manager.
type HealthChecker interface {
	VerifySubscriptionsHealthy(ctx context.Context) bool
	ResubscribeIfNeeded(ctx context.Context) int
}

// HealthMonitor periodically verifies subscriptions and repairs the ones
// whose consumer disappeared.
type HealthMonitor struct {
	target   HealthChecker
	interval time.Duration
	logger   *logger.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewHealthMonitor(target HealthChecker, interval time.Duration, log *logger.Logger) *HealthMonitor {
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		target:   target,
		interval: interval,
		logger:   log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the check loop. It ends when ctx is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go h.run(ctx)
	})
}

// Stop ends the loop and waits for an in-flight check to finish.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.startOnce.Do(func() {
		// never started, nothing to wait for
		close(h.doneCh)
	})
	<-h.doneCh
}

func (h *HealthMonitor) run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check runs one verify-and-repair pass and returns the number of
// subscriptions recreated.
func (h *HealthMonitor) Check(ctx context.Context) int {
	if h.target.VerifySubscriptionsHealthy(ctx) {
		return 0
	}

	h.logger.Warn("unhealthy subscriptions detected, repairing")
	n := h.target.ResubscribeIfNeeded(ctx)
	h.logger.Info("subscription repair finished", "recreated", n)
	return n
}
