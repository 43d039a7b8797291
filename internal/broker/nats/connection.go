// Package nats implements the broker client interfaces on nats.go and its
// jetstream package.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/config"
	"jsqueue/internal/broker"
	"jsqueue/internal/logger"
)

const drainPollInterval = 10 * time.Millisecond

// Dialer opens nats.go connections from the NATS config section.
type Dialer struct {
	cfg    config.NATSConfig
	logger *logger.Logger
}

func NewDialer(cfg config.NATSConfig, log *logger.Logger) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{cfg: cfg, logger: log}
}

// Dial connects to the configured servers. nats.Connect is not context
// aware, so it runs in a goroutine and a connection that arrives after ctx
// is done gets closed.
func (d *Dialer) Dial(ctx context.Context, events broker.ConnEvents) (broker.Conn, error) {
	if len(d.cfg.URLs) == 0 {
		return nil, fmt.Errorf("no NATS server URLs provided")
	}

	opts := buildOptions(d.cfg, events, d.logger)

	type result struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(strings.Join(d.cfg.URLs, ","), opts...)
		ch <- result{nc: nc, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS server: %w", r.err)
		}
		d.logger.Debug("NATS transport connected", "url", r.nc.ConnectedUrl())
		return &Conn{nc: r.nc, logger: d.logger}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, fmt.Errorf("failed to connect to NATS server: %w", ctx.Err())
	}
}

// Conn adapts *nats.Conn.
type Conn struct {
	nc     *nats.Conn
	logger *logger.Logger
}

func (c *Conn) IsConnected() bool {
	return c.nc.IsConnected()
}

func (c *Conn) Flush(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

// Drain starts draining and waits until the connection has closed or ctx is done.
func (c *Conn) Drain(ctx context.Context) error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		return err
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if c.nc.IsClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Conn) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.nc.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close: %w", ctx.Err())
	}
}

func (c *Conn) JetStream() (broker.JetStream, error) {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return nil, err
	}
	return &JetStream{js: js, logger: c.logger}, nil
}

// NATS returns the underlying connection.
func (c *Conn) NATS() *nats.Conn {
	return c.nc
}

var _ broker.Conn = (*Conn)(nil)
var _ broker.Dialer = (*Dialer)(nil)

func isClosedErr(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining)
}
