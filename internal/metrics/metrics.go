package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jsqueue"

// Metrics holds the prometheus collectors for the broker client.
type Metrics struct {
	connectionStatus    prometheus.Gauge
	connectAttempts     *prometheus.CounterVec
	streamProvisioning  *prometheus.CounterVec
	subscribeDecisions  *prometheus.CounterVec
	resubscribes        *prometheus.CounterVec
	subscriptionsActive prometheus.Gauge
	subscriptionsHealth prometheus.Gauge
	publishTotal        *prometheus.CounterVec
	circuitState        prometheus.Gauge
	circuitFailures     prometheus.Gauge
	messagesTotal       *prometheus.CounterVec
	publishedTotal      prometheus.Gauge
	messageRate         prometheus.Gauge
}

// NewMetrics creates and registers all collectors. A nil registerer gets a private registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "status",
			Help:      "Broker connection status (1 connected, 0 disconnected).",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		streamProvisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "provisioning_total",
			Help:      "Stream provisioning outcomes by action (found, created, error).",
		}, []string{"action"}),
		subscribeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "subscribe_total",
			Help:      "Subscribe outcomes by decision (bind, create, error).",
		}, []string{"decision"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "resubscribe_total",
			Help:      "Self-healing resubscriptions by result.",
		}, []string{"result"}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "subscriptions_active",
			Help:      "Number of registered subscriptions.",
		}),
		subscriptionsHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "subscriptions_healthy",
			Help:      "1 when every registered consumer exists on the broker.",
		}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "total",
			Help:      "Publish calls by result (success, error, circuit_open).",
		}, []string{"result"}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		circuitFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "consecutive_failures",
			Help:      "Consecutive failures recorded by the circuit breaker.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "total",
			Help:      "Delivered messages by status (received, acked, nacked).",
		}, []string{"status"}),
		publishedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "published",
			Help:      "Messages published since start, sampled by the collector.",
		}),
		messageRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "rate_per_second",
			Help:      "Average processed messages per second since start.",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionStatus,
		m.connectAttempts,
		m.streamProvisioning,
		m.subscribeDecisions,
		m.resubscribes,
		m.subscriptionsActive,
		m.subscriptionsHealth,
		m.publishTotal,
		m.circuitState,
		m.circuitFailures,
		m.messagesTotal,
		m.publishedTotal,
		m.messageRate,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) SetConnectionStatus(connected bool) {
	m.connectionStatus.Set(boolToFloat(connected))
}

func (m *Metrics) IncConnectAttempts(result string) {
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncStreamProvisioning(action string) {
	m.streamProvisioning.WithLabelValues(action).Inc()
}

func (m *Metrics) IncSubscribeDecision(decision string) {
	m.subscribeDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncResubscribes(result string) {
	m.resubscribes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetSubscriptionsActive(n int) {
	m.subscriptionsActive.Set(float64(n))
}

func (m *Metrics) SetSubscriptionsHealthy(healthy bool) {
	m.subscriptionsHealth.Set(boolToFloat(healthy))
}

func (m *Metrics) IncPublish(result string) {
	m.publishTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCircuitState(state int) {
	m.circuitState.Set(float64(state))
}

func (m *Metrics) SetCircuitFailures(n int) {
	m.circuitFailures.Set(float64(n))
}

func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetPublished(n uint64) {
	m.publishedTotal.Set(float64(n))
}

func (m *Metrics) SetMessageRate(rate float64) {
	m.messageRate.Set(rate)
}
