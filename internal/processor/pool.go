package processor

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"jsqueue/internal/broker"
)

// job is one delivered message waiting for a worker.
type job struct {
	ctx     context.Context
	msg     jetstream.Msg
	handler broker.MessageHandler
}

// jobPool manages job object reuse
type jobPool struct {
	pool sync.Pool
}

func newJobPool() *jobPool {
	return &jobPool{
		pool: sync.Pool{
			New: func() interface{} {
				return &job{}
			},
		},
	}
}

func (p *jobPool) Get() *job {
	return p.pool.Get().(*job)
}

// Put clears the job before returning it to the pool
func (p *jobPool) Put(j *job) {
	j.ctx = nil
	j.msg = nil
	j.handler = nil
	p.pool.Put(j)
}
