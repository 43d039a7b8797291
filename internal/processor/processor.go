// Package processor runs message handlers on a bounded worker pool so a slow
// handler does not stall delivery for every other subscription.
package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/internal/broker"
	"jsqueue/internal/logger"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("processor closed")

// Config holds processor configuration
type Config struct {
	Workers   int
	QueueSize int
}

// Stats tracks processing counters
type Stats struct {
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`
	Panics    uint64 `json:"panics"`
	Queued    int    `json:"queued"`
}

// Processor dispatches delivered messages to a fixed set of workers.
type Processor struct {
	jobs    *jobPool
	workers int
	jobChan chan *job
	logger  *logger.Logger
	wg      sync.WaitGroup

	// mu guards closed and the send side of jobChan
	mu     sync.RWMutex
	closed bool

	processed atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

// New creates a processor and starts its workers.
func New(cfg Config, log *logger.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if log == nil {
		log = logger.NewNop()
	}

	p := &Processor{
		jobs:    newJobPool(),
		workers: cfg.Workers,
		jobChan: make(chan *job, cfg.QueueSize),
		logger:  log,
	}

	p.startWorkers()

	return p
}

// Submit queues msg for handler. It blocks while the queue is full and gives
// up when ctx is done or the processor is closed; the message is left unacked
// so the server redelivers it.
func (p *Processor) Submit(ctx context.Context, msg jetstream.Msg, handler broker.MessageHandler) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.rejected.Add(1)
		return ErrClosed
	}

	j := p.jobs.Get()
	j.ctx = ctx
	j.msg = msg
	j.handler = handler

	select {
	case p.jobChan <- j:
		return nil
	case <-ctx.Done():
		p.jobs.Put(j)
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Wrap returns a handler that runs next on the pool. Messages that cannot be
// queued are negatively acknowledged.
func (p *Processor) Wrap(next broker.MessageHandler) broker.MessageHandler {
	return func(ctx context.Context, msg jetstream.Msg) {
		if err := p.Submit(ctx, msg, next); err != nil {
			p.logger.Debug("message not queued",
				"subject", msg.Subject(),
				"error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				p.logger.Debug("failed to nak message",
					"subject", msg.Subject(),
					"error", nakErr)
			}
		}
	}
}

// GetStats returns current processing statistics
func (p *Processor) GetStats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.jobChan),
	}
}

// Close stops accepting work and waits for queued jobs to finish.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobChan)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Processor) startWorkers() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()

	for j := range p.jobChan {
		p.run(j)
	}
}

func (p *Processor) run(j *job) {
	defer p.jobs.Put(j)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("message handler panicked",
				"subject", j.msg.Subject(),
				"panic", r)
			_ = j.msg.Nak()
		}
	}()

	j.handler(j.ctx, j.msg)
	p.processed.Add(1)
}
