// Package broker maintains a resilient JetStream connection, provisions the
// work-queue stream and shares durable queue-group consumers between
// cooperating service instances.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/config"
)

// ConnState represents the current state of the broker connection
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// QueueGroupMetadataKey is stored in the consumer metadata so operators can
// see which queue group a durable serves.
const QueueGroupMetadataKey = "queue_group"

// MessageHandler processes a delivered message. The context is cancelled on Disconnect.
type MessageHandler func(ctx context.Context, msg jetstream.Msg)

// StreamDescriptor identifies the durable work-queue stream.
type StreamDescriptor struct {
	Name            string
	MaxAge          time.Duration
	MaxMsgs         int64
	MaxBytes        int64
	DuplicateWindow time.Duration
	Replicas        int
}

func NewStreamDescriptor(cfg config.StreamConfig) StreamDescriptor {
	return StreamDescriptor{
		Name:            cfg.Name,
		MaxAge:          cfg.MaxAge,
		MaxMsgs:         cfg.MaxMsgs,
		MaxBytes:        cfg.MaxBytes,
		DuplicateWindow: cfg.DuplicateWindow,
		Replicas:        cfg.Replicas,
	}
}

// Subjects returns the subject pattern captured by the stream.
func (d StreamDescriptor) Subjects() []string {
	return []string{d.Name + ".>"}
}

func (d StreamDescriptor) Config() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       d.Name,
		Subjects:   d.Subjects(),
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     d.MaxAge,
		MaxMsgs:    d.MaxMsgs,
		MaxBytes:   d.MaxBytes,
		Duplicates: d.DuplicateWindow,
		Replicas:   d.Replicas,
	}
}

// ConsumerDescriptor describes the durable consumer shared by every
// instance subscribing to the same subject.
type ConsumerDescriptor struct {
	Name          string
	QueueGroup    string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

func NewConsumerDescriptor(prefix, subject string, cfg config.ConsumerConfig) ConsumerDescriptor {
	name := ConsumerName(prefix, subject)
	return ConsumerDescriptor{
		Name:          name,
		QueueGroup:    name,
		FilterSubject: subject,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
	}
}

func (d ConsumerDescriptor) Config() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          d.Name,
		Durable:       d.Name,
		FilterSubject: d.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       d.AckWait,
		MaxDeliver:    d.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		Metadata:      map[string]string{QueueGroupMetadataKey: d.QueueGroup},
	}
}

// ConsumerName derives the durable consumer name for a subject. Every
// instance computes the same name, which is what lets them share it.
func ConsumerName(prefix, subject string) string {
	return sanitizeConsumerName(prefix + "_" + subject)
}

// sanitizeConsumerName replaces characters NATS does not allow in consumer
// names (whitespace, '.', '*', '>', path separators, control characters) with '_'.
func sanitizeConsumerName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ', r == '\t', r == '\n', r == '\r',
			r == '.', r == '*', r == '>',
			r == '/', r == '\\',
			r < 32, r == 127:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SubscriptionInfo is a registry entry for one subscribed subject.
type SubscriptionInfo struct {
	Subject      string
	Consumer     string
	Handler      MessageHandler
	Handle       Subscription
	Created      bool
	SubscribedAt time.Time
}

// Pending reports an entry whose consumer is awaiting repair.
func (s *SubscriptionInfo) Pending() bool {
	return s.Handle == nil
}

// SubscriptionStatus is the exported, handler-free view of a registry entry.
type SubscriptionStatus struct {
	Subject      string    `json:"subject"`
	Consumer     string    `json:"consumer"`
	Created      bool      `json:"created"`
	Pending      bool      `json:"pending"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// ConsumerLookup is the result of probing the broker for a consumer.
// A nil Info means the consumer was not found; Err carries the reason.
type ConsumerLookup struct {
	Info *jetstream.ConsumerInfo
	Err  error
}

func (l ConsumerLookup) Found() bool {
	return l.Err == nil && l.Info != nil
}

// Unexpected reports a probe failure other than a plain "not found".
func (l ConsumerLookup) Unexpected() bool {
	return l.Err != nil && !errors.Is(l.Err, jetstream.ErrConsumerNotFound)
}
