package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/config"
	"jsqueue/internal/logger"
	"jsqueue/internal/metrics"
	"jsqueue/internal/retry"
)

// DefaultStreamProbe is the schedule used to wait for the stream to become
// visible before falling back to creating it.
var DefaultStreamProbe = retry.Backoff{
	MaxAttempts:  5,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
}

type telemetry struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func (t *telemetry) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if t.metrics != nil {
		fn(t.metrics)
	}
}

// Connection owns the transport connection and the JetStream handle.
type Connection struct {
	*telemetry

	cfg     config.NATSConfig
	stream  StreamDescriptor
	dialer  Dialer
	probe   retry.Backoff
	onRetry func(attempt int, delay time.Duration, err error)

	mu   sync.RWMutex
	conn Conn
	js   JetStream
}

func newConnection(cfg *config.Config, dialer Dialer, t *telemetry) *Connection {
	return &Connection{
		telemetry: t,
		cfg:       cfg.NATS,
		stream:    NewStreamDescriptor(cfg.Stream),
		dialer:    dialer,
		probe:     DefaultStreamProbe,
	}
}

// Connect dials the broker and ensures the stream exists, retrying the
// whole sequence with exponential backoff. It is a no-op while a connection
// is held, including one the client library is reconnecting.
func (c *Connection) Connect(ctx context.Context) error {
	if _, _, ok := c.handles(); ok {
		return nil
	}

	backoff := retry.Backoff{
		MaxAttempts:  c.cfg.MaxStartupRetries,
		InitialDelay: c.cfg.BackoffUnit,
		Multiplier:   c.cfg.BackoffBase,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("connection attempt failed, retrying",
				"attempt", attempt+1,
				"max_attempts", c.cfg.MaxStartupRetries,
				"delay", delay,
				"connectivity_error", IsConnectivityError(err),
				"error", err)
			if c.onRetry != nil {
				c.onRetry(attempt, delay, err)
			}
		},
	}

	if err := retry.Do(ctx, backoff, c.connectOnce); err != nil {
		c.logger.Error("failed to connect to NATS server", "urls", c.cfg.URLs, "error", err)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (c *Connection) connectOnce(ctx context.Context, attempt int) error {
	c.logger.Info("connecting to NATS server", "urls", c.cfg.URLs, "attempt", attempt+1)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.events())
	cancel()
	if err != nil {
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncConnectAttempts("failure") })
		return fmt.Errorf("dial: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		c.closeQuietly(ctx, conn)
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncConnectAttempts("failure") })
		return fmt.Errorf("jetstream context: %w", err)
	}

	if err := c.ensureStream(ctx, js); err != nil {
		c.closeQuietly(ctx, conn)
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncConnectAttempts("failure") })
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		// a concurrent Connect won
		c.mu.Unlock()
		c.closeQuietly(ctx, conn)
		return nil
	}
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncConnectAttempts("success")
		m.SetConnectionStatus(true)
	})
	c.logger.Info("connected to NATS server", "stream", c.stream.Name)
	return nil
}

// ensureStream probes for the stream, tolerating propagation delay, and
// creates it only when every probe came back empty.
func (c *Connection) ensureStream(ctx context.Context, js JetStream) error {
	probe := func(ctx context.Context, _ int) error {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
		_, err := js.StreamInfo(pctx, c.stream.Name)
		return err
	}

	err := retry.Do(ctx, c.probe, probe)
	if err == nil {
		c.logger.Debug("stream found", "stream", c.stream.Name)
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncStreamProvisioning("found") })
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrStreamUnavailable, c.stream.Name, ctx.Err())
	}

	c.logger.Info("stream not found, creating",
		"stream", c.stream.Name,
		"subjects", c.stream.Subjects(),
		"probe_error", err)

	_, err = js.CreateStream(ctx, c.stream.Config())
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		// another instance won the race
		if _, perr := js.StreamInfo(ctx, c.stream.Name); perr == nil {
			c.logger.Info("stream created concurrently by another instance", "stream", c.stream.Name)
			c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncStreamProvisioning("found") })
			return nil
		}
	}
	if err != nil {
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncStreamProvisioning("error") })
		return fmt.Errorf("%w: create %s: %w", ErrStreamUnavailable, c.stream.Name, err)
	}

	c.logger.Info("stream created", "stream", c.stream.Name)
	c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncStreamProvisioning("created") })
	return nil
}

// Disconnect drains the connection, force-closing it if the drain fails.
// Handles are always cleared, so IsConnected reports false afterwards.
func (c *Connection) Disconnect(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.js = nil
		c.mu.Unlock()
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetConnectionStatus(false) })
	}()

	if conn == nil {
		return
	}

	c.logger.Info("draining NATS connection", "timeout", c.cfg.DrainTimeout)
	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	err := conn.Drain(drainCtx)
	cancel()
	if err == nil {
		c.logger.Info("NATS connection drained")
		return
	}

	c.logger.Warn("drain failed, force closing connection", "error", err)
	c.closeQuietly(ctx, conn)
}

// closeQuietly closes conn bounded by the drain timeout, even when ctx is already done.
func (c *Connection) closeQuietly(ctx context.Context, conn Conn) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DrainTimeout)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil {
		c.logger.Warn("failed to close NATS connection", "error", err)
	}
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Connection) handles() (Conn, JetStream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.js, c.conn != nil
}

func (c *Connection) events() ConnEvents {
	return ConnEvents{
		Disconnected: c.handleDisconnect,
		Reconnected:  c.handleReconnect,
		Closed:       c.handleClosed,
	}
}

// NATS connection event handlers

func (c *Connection) handleDisconnect(err error) {
	c.logger.Error("disconnected from NATS server", "error", err)
	c.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetConnectionStatus(false) })
}

func (c *Connection) handleReconnect(url string) {
	c.logger.Info("reconnected to NATS server", "url", url)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(true)
		m.IncConnectAttempts("reconnect")
	})
}

func (c *Connection) handleClosed() {
	c.logger.Warn("NATS connection closed")
	c.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetConnectionStatus(false) })
}
