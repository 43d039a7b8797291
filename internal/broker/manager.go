package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/config"
	"jsqueue/internal/circuitbreaker"
	"jsqueue/internal/logger"
	"jsqueue/internal/metrics"
	"jsqueue/internal/retry"
	"jsqueue/internal/stats"
)

// Manager is the broker client used by the rest of the service.
type Manager struct {
	*telemetry

	cfg      *config.Config
	conn     *Connection
	registry *Registry
	breaker  *circuitbreaker.Breaker
	stats    *stats.StatsCollector

	state atomic.Value // ConnState

	// repairMu only keeps ResubscribeIfNeeded runs from overlapping.
	repairMu sync.Mutex

	lifeMu     sync.RWMutex
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

func WithStats(s *stats.StatsCollector) Option {
	return func(mgr *Manager) {
		mgr.stats = s
	}
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(mgr *Manager) {
		mgr.breaker = b
	}
}

// WithStreamProbe overrides the schedule used while waiting for the stream to appear.
func WithStreamProbe(b retry.Backoff) Option {
	return func(mgr *Manager) {
		mgr.conn.probe = b
	}
}

func NewManager(cfg *config.Config, dialer Dialer, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewNop()
	}

	t := &telemetry{logger: log}
	m := &Manager{
		telemetry: t,
		cfg:       cfg,
		conn:      newConnection(cfg, dialer, t),
		registry:  NewRegistry(),
	}
	m.state.Store(StateDisconnected)

	for _, opt := range opts {
		opt(m)
	}

	if m.stats == nil {
		m.stats = stats.NewStatsCollector()
	}
	if m.breaker == nil {
		m.breaker = circuitbreaker.New("nats",
			circuitbreaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			circuitbreaker.WithCooldown(cfg.Breaker.Cooldown),
			circuitbreaker.OnStateChange(m.onBreakerStateChange))
	}

	return m
}

// Connect opens the connection and provisions the stream.
func (m *Manager) Connect(ctx context.Context) error {
	m.state.Store(StateConnecting)
	if err := m.conn.Connect(ctx); err != nil {
		m.state.Store(StateDisconnected)
		return err
	}

	m.lifeMu.Lock()
	if m.lifeCancel == nil {
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	}
	m.lifeMu.Unlock()

	m.state.Store(StateConnected)
	return nil
}

// Disconnect drains and closes the connection and forgets every subscription.
// It never fails; problems are logged.
func (m *Manager) Disconnect(ctx context.Context) {
	m.logger.Info("disconnecting from broker", "subscriptions", m.registry.Len())

	m.conn.Disconnect(ctx)
	m.registry.Clear()

	m.lifeMu.Lock()
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCtx, m.lifeCancel = nil, nil
	}
	m.lifeMu.Unlock()

	m.state.Store(StateDisconnected)
	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSubscriptionsActive(0) })
}

// IsConnected reports the local connection status without any I/O.
func (m *Manager) IsConnected() bool {
	return m.conn.IsConnected()
}

// State returns the connection state machine position.
func (m *Manager) State() ConnState {
	state := m.state.Load().(ConnState)
	if state == StateConnected && !m.conn.IsConnected() {
		return StateConnecting
	}
	return state
}

// Ping does a flush round trip through the circuit breaker.
func (m *Manager) Ping(ctx context.Context) bool {
	conn, _, ok := m.conn.handles()
	if !ok {
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.NATS.PingTimeout)
	defer cancel()

	err := m.breaker.Execute(pctx, conn.Flush)
	m.observeBreaker()
	if err != nil {
		m.logger.Debug("ping failed", "error", err)
		return false
	}
	return true
}

// Publish sends one message to the stream and waits for the broker ack.
// A nats.MsgIdHdr header enables duplicate detection within the stream's window.
func (m *Manager) Publish(ctx context.Context, subject string, payload []byte, headers nats.Header) (*jetstream.PubAck, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, ErrInvalidSubject
	}
	_, js, ok := m.conn.handles()
	if !ok {
		return nil, ErrNotConnected
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, vals := range headers {
		for _, v := range vals {
			msg.Header.Add(k, v)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.NATS.PublishTimeout)
	defer cancel()

	ack, err := circuitbreaker.Run(pctx, m.breaker, func(ctx context.Context) (*jetstream.PubAck, error) {
		return js.Publish(ctx, msg)
	})
	m.observeBreaker()

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncPublish("circuit_open") })
		m.stats.IncPublishErrors()
		return nil, err
	case err != nil:
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncPublish("error") })
		m.stats.IncPublishErrors()
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}

	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncPublish("success") })
	m.stats.IncPublished()
	return ack, nil
}

// Subscribe binds to the durable consumer for subject, creating it first
// when the broker does not have it. Subscribing to an already registered
// subject returns the existing handle; a subject pending repair is
// subscribed again.
func (m *Manager) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, ErrInvalidSubject
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	_, js, ok := m.conn.handles()
	if !ok {
		return nil, ErrNotConnected
	}

	if info, ok := m.registry.Get(subject); ok && !info.Pending() {
		return info.Handle, nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.Consumer.SubscribeTimeout)
	defer cancel()

	stream := m.cfg.Stream.Name
	desc := NewConsumerDescriptor(m.cfg.Consumer.Prefix, subject, m.cfg.Consumer)
	log := m.logger.With("subject", subject, "consumer", desc.Name)

	created := false
	lookup := m.lookupConsumer(sctx, js, desc.Name)
	if !lookup.Found() {
		if lookup.Unexpected() {
			log.Warn("consumer probe failed, attempting create", "error", lookup.Err)
		}

		var err error
		created, err = m.createConsumer(sctx, js, desc)
		if err != nil {
			m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncSubscribeDecision("error") })
			return nil, m.subscribeError(sctx, subject, err)
		}
	}

	handle, err := js.Consume(sctx, stream, desc.Name, m.dispatch(subject, handler))
	if err != nil {
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncSubscribeDecision("error") })
		return nil, m.subscribeError(sctx, subject, fmt.Errorf("consume: %w", err))
	}

	info := &SubscriptionInfo{
		Subject:      subject,
		Consumer:     desc.Name,
		Handler:      handler,
		Handle:       handle,
		Created:      created,
		SubscribedAt: time.Now(),
	}
	if existing, loaded := m.registry.Add(info); loaded {
		// a concurrent Subscribe registered first
		if err := releaseHandle(handle); err != nil {
			log.Debug("failed to release duplicate handle", "error", err)
		}
		return existing.Handle, nil
	}

	decision := "bind"
	if created {
		decision = "create"
	}
	m.safeMetricsUpdate(func(mt *metrics.Metrics) {
		mt.IncSubscribeDecision(decision)
		mt.SetSubscriptionsActive(m.registry.Len())
	})
	log.Info("subscribed", "decision", decision, "queue_group", desc.QueueGroup)

	return handle, nil
}

func (m *Manager) lookupConsumer(ctx context.Context, js JetStream, name string) ConsumerLookup {
	info, err := js.ConsumerInfo(ctx, m.cfg.Stream.Name, name)
	if err == nil && info == nil {
		err = jetstream.ErrConsumerNotFound
	}
	return ConsumerLookup{Info: info, Err: err}
}

// createConsumer returns created=false when another instance created the
// consumer between our probe and our create.
func (m *Manager) createConsumer(ctx context.Context, js JetStream, desc ConsumerDescriptor) (bool, error) {
	_, err := js.CreateConsumer(ctx, m.cfg.Stream.Name, desc.Config())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, jetstream.ErrConsumerNameAlreadyInUse):
		if lookup := m.lookupConsumer(ctx, js, desc.Name); lookup.Found() {
			m.logger.Debug("consumer created by another instance, binding", "consumer", desc.Name)
			return false, nil
		}
		return false, fmt.Errorf("create consumer %s: %w", desc.Name, err)
	case errors.Is(err, jetstream.ErrConsumerExists):
		m.logger.Error("consumer conflict", "consumer", desc.Name, "error", err)
		return false, fmt.Errorf("%w: %s: %w", ErrConsumerConflict, desc.Name, err)
	default:
		return false, fmt.Errorf("create consumer %s: %w", desc.Name, err)
	}
}

func (m *Manager) subscribeError(ctx context.Context, subject string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		m.logger.Error("subscribe timed out", "subject", subject, "timeout", m.cfg.Consumer.SubscribeTimeout)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeTimeout, subject, err)
	}
	m.logger.Error("subscribe failed", "subject", subject, "error", err)
	return err
}

// dispatch adapts a MessageHandler to the client library callback. It runs
// on the library's goroutine, outside any registry lock.
func (m *Manager) dispatch(subject string, handler MessageHandler) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		m.stats.IncReceived()
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncMessagesTotal("received") })
		handler(m.handlerContext(), msg)
	}
}

func (m *Manager) handlerContext() context.Context {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.lifeCtx == nil {
		return context.Background()
	}
	return m.lifeCtx
}

// VerifySubscriptionsHealthy checks that every registered consumer still
// exists on the broker. It stops at the first missing one.
func (m *Manager) VerifySubscriptionsHealthy(ctx context.Context) bool {
	_, js, ok := m.conn.handles()
	if !ok {
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSubscriptionsHealthy(false) })
		return false
	}

	for _, info := range m.registry.Snapshot() {
		if info.Pending() {
			m.logger.Warn("subscription pending repair",
				"subject", info.Subject,
				"consumer", info.Consumer)
			m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSubscriptionsHealthy(false) })
			return false
		}
		if lookup := m.probe(ctx, js, info); !lookup.Found() {
			m.logger.Warn("subscription unhealthy",
				"subject", info.Subject,
				"consumer", info.Consumer,
				"error", lookup.Err)
			m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSubscriptionsHealthy(false) })
			return false
		}
	}

	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSubscriptionsHealthy(true) })
	return true
}

// ResubscribeIfNeeded recreates subscriptions whose consumer vanished from
// the broker and returns how many were restored. Entries that fail stay
// registered as pending and are retried on the next run. Runs that would
// overlap an ongoing one return 0 immediately.
func (m *Manager) ResubscribeIfNeeded(ctx context.Context) int {
	if !m.repairMu.TryLock() {
		m.logger.Debug("resubscribe already in progress, skipping")
		return 0
	}
	defer m.repairMu.Unlock()

	_, js, ok := m.conn.handles()
	if !ok {
		return 0
	}

	var failed []*SubscriptionInfo
	for _, info := range m.registry.Snapshot() {
		if info.Pending() {
			failed = append(failed, info)
			continue
		}
		if lookup := m.probe(ctx, js, info); !lookup.Found() {
			failed = append(failed, info)
		}
	}

	recreated := 0
	for _, info := range failed {
		log := m.logger.With("subject", info.Subject, "consumer", info.Consumer)

		if !info.Pending() {
			if err := releaseHandle(info.Handle); err != nil {
				log.Debug("stale subscription handle release failed", "error", err)
			}
			if _, ok := m.registry.MarkPending(info); !ok {
				// replaced by a concurrent Subscribe
				continue
			}
		}

		if _, err := m.Subscribe(ctx, info.Subject, info.Handler); err != nil {
			log.Error("resubscribe failed", "error", err)
			m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncResubscribes("failure") })
			continue
		}

		recreated++
		m.stats.IncResubscribes()
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncResubscribes("success") })
		log.Info("resubscribed")
	}

	if len(failed) > 0 {
		m.logger.Info("resubscribe pass complete", "missing", len(failed), "recreated", recreated)
	}
	return recreated
}

func (m *Manager) probe(ctx context.Context, js JetStream, info *SubscriptionInfo) ConsumerLookup {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Consumer.SubscribeTimeout)
	defer cancel()
	return m.lookupConsumer(pctx, js, info.Consumer)
}

// Subscriptions returns the registered subscriptions sorted by subject.
func (m *Manager) Subscriptions() []SubscriptionStatus {
	entries := m.registry.Snapshot()
	out := make([]SubscriptionStatus, 0, len(entries))
	for _, info := range entries {
		out = append(out, SubscriptionStatus{
			Subject:      info.Subject,
			Consumer:     info.Consumer,
			Created:      info.Created,
			Pending:      info.Pending(),
			SubscribedAt: info.SubscribedAt,
		})
	}
	return out
}

func (m *Manager) Stats() *stats.StatsCollector {
	return m.stats
}

func (m *Manager) Breaker() circuitbreaker.Snapshot {
	return m.breaker.Snapshot()
}

func (m *Manager) observeBreaker() {
	snap := m.breaker.Snapshot()
	m.safeMetricsUpdate(func(mt *metrics.Metrics) {
		mt.SetCircuitState(int(snap.State))
		mt.SetCircuitFailures(snap.Failures)
	})
}

func (m *Manager) onBreakerStateChange(name string, from, to circuitbreaker.State) {
	m.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetCircuitState(int(to)) })
}

// releaseHandle stops local delivery for a handle that may already be dead.
func releaseHandle(h Subscription) error {
	if h == nil {
		return ErrSubscriptionClosed
	}
	return h.Unsubscribe()
}
