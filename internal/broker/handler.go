package broker

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/internal/metrics"
)

// ProcessFunc handles a message payload and reports whether it succeeded.
type ProcessFunc func(ctx context.Context, msg jetstream.Msg) error

// AckHandler wraps fn so the message is acked on success and nacked for
// redelivery on error. Redelivery stops after the consumer's MaxDeliver.
func (m *Manager) AckHandler(fn ProcessFunc) MessageHandler {
	return func(ctx context.Context, msg jetstream.Msg) {
		if err := fn(ctx, msg); err != nil {
			m.logger.Warn("message processing failed, requesting redelivery",
				"subject", msg.Subject(),
				"error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				m.logger.Error("failed to nak message", "subject", msg.Subject(), "error", nakErr)
			}
			m.stats.IncNacked()
			m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncMessagesTotal("nacked") })
			return
		}

		if err := msg.Ack(); err != nil {
			m.logger.Error("failed to ack message", "subject", msg.Subject(), "error", err)
			m.stats.IncErrors()
			return
		}
		m.stats.IncAcked()
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncMessagesTotal("acked") })
	}
}
