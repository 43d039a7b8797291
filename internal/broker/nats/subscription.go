package nats

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/internal/broker"
	"jsqueue/internal/logger"
)

// JetStream adapts jetstream.JetStream to the narrow broker interface.
type JetStream struct {
	js     jetstream.JetStream
	logger *logger.Logger
}

func (j *JetStream) StreamInfo(ctx context.Context, stream string) (*jetstream.StreamInfo, error) {
	s, err := j.js.Stream(ctx, stream)
	if err != nil {
		return nil, err
	}
	return s.CachedInfo(), nil
}

func (j *JetStream) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (*jetstream.StreamInfo, error) {
	s, err := j.js.CreateStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s.CachedInfo(), nil
}

func (j *JetStream) ConsumerInfo(ctx context.Context, stream, consumer string) (*jetstream.ConsumerInfo, error) {
	c, err := j.js.Consumer(ctx, stream, consumer)
	if err != nil {
		return nil, err
	}
	return c.CachedInfo(), nil
}

func (j *JetStream) CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (*jetstream.ConsumerInfo, error) {
	c, err := j.js.CreateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, err
	}
	return c.CachedInfo(), nil
}

// Consume starts pulling from an existing durable consumer. Every instance
// consuming the same durable shares its messages.
func (j *JetStream) Consume(ctx context.Context, stream, consumer string, handler jetstream.MessageHandler) (broker.Subscription, error) {
	c, err := j.js.Consumer(ctx, stream, consumer)
	if err != nil {
		return nil, err
	}

	log := j.log().With("stream", stream, "consumer", consumer)
	cc, err := c.Consume(handler, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		switch {
		case isClosedErr(err):
			log.Debug("consume stopped by connection shutdown", "error", err)
		case errors.Is(err, jetstream.ErrConsumerDeleted), errors.Is(err, jetstream.ErrConsumerNotFound):
			log.Warn("consumer removed from broker", "error", err)
		default:
			log.Error("consume error", "error", err)
		}
	}))
	if err != nil {
		return nil, err
	}

	return &Subscription{cc: cc}, nil
}

func (j *JetStream) Publish(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error) {
	return j.js.PublishMsg(ctx, msg)
}

func (j *JetStream) log() *logger.Logger {
	if j.logger == nil {
		return logger.NewNop()
	}
	return j.logger
}

// Subscription stops local delivery from a consume loop.
type Subscription struct {
	cc     jetstream.ConsumeContext
	closed atomic.Bool
}

func (s *Subscription) Unsubscribe() error {
	if !s.closed.CompareAndSwap(false, true) {
		return broker.ErrSubscriptionClosed
	}
	s.cc.Stop()
	return nil
}

var _ broker.JetStream = (*JetStream)(nil)
var _ broker.Subscription = (*Subscription)(nil)
