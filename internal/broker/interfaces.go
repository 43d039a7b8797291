package broker

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// The manager only talks to the broker through these interfaces. There is
// deliberately no consumer delete operation.

// Dialer opens a transport connection to the broker.
type Dialer interface {
	Dial(ctx context.Context, events ConnEvents) (Conn, error)
}

// ConnEvents are invoked from the client library's goroutines.
type ConnEvents struct {
	Disconnected func(err error)
	Reconnected  func(url string)
	Closed       func()
}

// Conn is a live transport connection.
type Conn interface {
	IsConnected() bool
	Flush(ctx context.Context) error
	// Drain lets in-flight messages and acks complete, then closes.
	Drain(ctx context.Context) error
	Close(ctx context.Context) error
	JetStream() (JetStream, error)
}

// JetStream covers the durable stream and consumer operations.
type JetStream interface {
	StreamInfo(ctx context.Context, stream string) (*jetstream.StreamInfo, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (*jetstream.StreamInfo, error)
	ConsumerInfo(ctx context.Context, stream, consumer string) (*jetstream.ConsumerInfo, error)
	CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (*jetstream.ConsumerInfo, error)
	Consume(ctx context.Context, stream, consumer string, handler jetstream.MessageHandler) (Subscription, error)
	Publish(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error)
}

// Subscription is the local handle of a running consumer. Unsubscribe stops
// local delivery only; the durable consumer stays on the broker.
type Subscription interface {
	Unsubscribe() error
}
