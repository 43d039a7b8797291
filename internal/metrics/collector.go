package metrics

import (
	"sync"
	"time"

	"jsqueue/internal/stats"
)

// StatsProvider is polled by the collector on every tick.
type StatsProvider interface {
	GetStats() stats.Snapshot
}

// MetricsCollector periodically copies process stats into gauges.
type MetricsCollector struct {
	metrics  *Metrics
	provider StatsProvider
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewMetricsCollector(m *Metrics, provider StatsProvider, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (c *MetricsCollector) Start() {
	go c.run()
}

// Stop halts the collector and waits for the loop to exit.
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

func (c *MetricsCollector) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MetricsCollector) collect() {
	if c.metrics == nil || c.provider == nil {
		return
	}
	snap := c.provider.GetStats()
	c.metrics.SetPublished(snap.Published)
	c.metrics.SetMessageRate(snap.Rate)
}
