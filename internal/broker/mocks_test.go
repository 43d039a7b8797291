package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/config"
	"jsqueue/internal/retry"
)

// stubBroker plays the server side. Several managers may share one to act
// as cooperating instances.
type stubBroker struct {
	mu sync.Mutex

	streams   map[string]jetstream.StreamConfig
	consumers map[string]jetstream.ConsumerConfig
	handlers  map[string][]jetstream.MessageHandler
	calls     []string

	// stream becomes visible after this many StreamInfo calls return not found
	streamHiddenProbes int

	dialErr           error
	createStreamErr   error
	consumerInfoErr   error
	createConsumerErr error
	consumeErr        error
	publishErr        error
	flushErr          error
	drainErr          error
	closeErr          error

	// blockConsumerInfo makes ConsumerInfo wait for ctx to be done
	blockConsumerInfo bool
	// consumerHiddenProbes makes the next ConsumerInfo calls report not found
	consumerHiddenProbes int

	dials     int
	publishes int
	flushes   int
	published []*nats.Msg
	conns     []*stubConn
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		streams:   make(map[string]jetstream.StreamConfig),
		consumers: make(map[string]jetstream.ConsumerConfig),
		handlers:  make(map[string][]jetstream.MessageHandler),
	}
}

func (b *stubBroker) record(call string) {
	b.calls = append(b.calls, call)
}

func (b *stubBroker) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *stubBroker) resetCalls() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

func (b *stubBroker) count(call string) int {
	n := 0
	for _, c := range b.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

// deleteConsumer simulates an operator removing a consumer out of band.
func (b *stubBroker) deleteConsumer(name string) {
	b.mu.Lock()
	delete(b.consumers, name)
	b.mu.Unlock()
}

func (b *stubBroker) hasConsumer(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.consumers[name]
	return ok
}

// deliver hands msg to the first handler consuming from the named consumer.
func (b *stubBroker) deliver(consumer string, msg jetstream.Msg) bool {
	b.mu.Lock()
	hs := b.handlers[consumer]
	b.mu.Unlock()
	if len(hs) == 0 {
		return false
	}
	hs[0](msg)
	return true
}

// dropTransport marks every dialed connection as reconnecting.
func (b *stubBroker) dropTransport() {
	b.mu.Lock()
	conns := append([]*stubConn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}
}

func (b *stubBroker) set(fn func(b *stubBroker)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

type stubDialer struct {
	broker *stubBroker
}

func (d *stubDialer) Dial(ctx context.Context, _ ConnEvents) (Conn, error) {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.record("dial")
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &stubConn{broker: b, connected: true}
	b.conns = append(b.conns, conn)
	return conn, nil
}

type stubConn struct {
	broker    *stubBroker
	mu        sync.Mutex
	connected bool
}

func (c *stubConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stubConn) Flush(ctx context.Context) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	b.record("flush")
	return b.flushErr
}

func (c *stubConn) Drain(ctx context.Context) error {
	b := c.broker
	b.mu.Lock()
	b.record("drain")
	err := b.drainErr
	b.mu.Unlock()
	if err == nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}
	return err
}

func (c *stubConn) Close(ctx context.Context) error {
	b := c.broker
	b.mu.Lock()
	b.record("close")
	err := b.closeErr
	b.mu.Unlock()
	if err == nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}
	return err
}

func (c *stubConn) JetStream() (JetStream, error) {
	return &stubJetStream{broker: c.broker}, nil
}

type stubJetStream struct {
	broker *stubBroker
}

func (j *stubJetStream) StreamInfo(ctx context.Context, stream string) (*jetstream.StreamInfo, error) {
	b := j.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("stream_info")
	if b.streamHiddenProbes > 0 {
		b.streamHiddenProbes--
		return nil, jetstream.ErrStreamNotFound
	}
	cfg, ok := b.streams[stream]
	if !ok {
		return nil, jetstream.ErrStreamNotFound
	}
	return &jetstream.StreamInfo{Config: cfg}, nil
}

func (j *stubJetStream) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (*jetstream.StreamInfo, error) {
	b := j.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("create_stream")
	if b.createStreamErr != nil {
		return nil, b.createStreamErr
	}
	b.streams[cfg.Name] = cfg
	return &jetstream.StreamInfo{Config: cfg}, nil
}

func (j *stubJetStream) ConsumerInfo(ctx context.Context, stream, consumer string) (*jetstream.ConsumerInfo, error) {
	b := j.broker
	b.mu.Lock()
	b.record("consumer_info")
	block := b.blockConsumerInfo
	forced := b.consumerInfoErr
	cfg, ok := b.consumers[consumer]
	if b.consumerHiddenProbes > 0 {
		b.consumerHiddenProbes--
		ok = false
	}
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if forced != nil {
		return nil, forced
	}
	if !ok {
		return nil, jetstream.ErrConsumerNotFound
	}
	return &jetstream.ConsumerInfo{Stream: stream, Name: consumer, Config: cfg}, nil
}

func (j *stubJetStream) CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (*jetstream.ConsumerInfo, error) {
	b := j.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("create_consumer")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.createConsumerErr != nil {
		return nil, b.createConsumerErr
	}
	if existing, ok := b.consumers[cfg.Durable]; ok && existing.FilterSubject != cfg.FilterSubject {
		return nil, jetstream.ErrConsumerExists
	}
	b.consumers[cfg.Durable] = cfg
	return &jetstream.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: cfg}, nil
}

func (j *stubJetStream) Consume(ctx context.Context, stream, consumer string, handler jetstream.MessageHandler) (Subscription, error) {
	b := j.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("consume")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.consumeErr != nil {
		return nil, b.consumeErr
	}
	if _, ok := b.consumers[consumer]; !ok {
		return nil, jetstream.ErrConsumerNotFound
	}
	b.handlers[consumer] = append(b.handlers[consumer], handler)
	return &stubSubscription{broker: b, consumer: consumer}, nil
}

func (j *stubJetStream) Publish(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error) {
	b := j.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishes++
	b.record("publish")
	if b.publishErr != nil {
		return nil, b.publishErr
	}
	b.published = append(b.published, msg)
	return &jetstream.PubAck{Stream: "WORKQ", Sequence: uint64(len(b.published))}, nil
}

type stubSubscription struct {
	broker   *stubBroker
	consumer string
	closed   bool
}

func (s *stubSubscription) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.record("unsubscribe")
	if s.closed {
		return ErrSubscriptionClosed
	}
	s.closed = true
	return nil
}

// stubMsg implements the parts of jetstream.Msg the handlers touch.
type stubMsg struct {
	jetstream.Msg
	subject string
	data    []byte

	mu     sync.Mutex
	acked  bool
	nacked bool
}

func (m *stubMsg) Subject() string { return m.subject }
func (m *stubMsg) Data() []byte    { return m.data }

func (m *stubMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *stubMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = true
	return nil
}

var errBrokerDown = errors.New("nats: no servers available for connection")

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.NATS.URLs = []string{"nats://stub:4222"}
	cfg.Stream.Name = "WORKQ"
	cfg.Consumer.Prefix = "svc"
	cfg.SetDefaults()

	cfg.NATS.MaxStartupRetries = 3
	cfg.NATS.BackoffUnit = time.Millisecond
	cfg.NATS.BackoffBase = 2
	cfg.NATS.DrainTimeout = 50 * time.Millisecond
	cfg.Consumer.SubscribeTimeout = 200 * time.Millisecond
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Cooldown = time.Hour
	return cfg
}

var fastProbe = retry.Backoff{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}

func newTestManager(t *testing.T, b *stubBroker, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithStreamProbe(fastProbe)}, opts...)
	return NewManager(testConfig(), &stubDialer{broker: b}, nil, opts...)
}

func connectedManager(t *testing.T, b *stubBroker, opts ...Option) *Manager {
	t.Helper()
	m := newTestManager(t, b, opts...)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m
}

func noopHandler(context.Context, jetstream.Msg) {}
