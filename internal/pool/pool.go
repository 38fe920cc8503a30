// Package pool runs the worker pool and the waiter. Workers pull
// sessions off a queue and pump them through the session engine; parked
// keepalive sessions sit with the waiter until a full request arrives.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgecache/edged/internal/session"
)

// Pool drives sessions with a fixed set of workers.
type Pool struct {
	engine *session.Engine

	queue chan *session.Session
	idle  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool; Bind attaches the engine and starts the workers,
// so the engine can requeue parked sessions through the pool.
func New(queueSize int, idleTimeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan *session.Session, queueSize),
		idle:   idleTimeout,
		ctx:    ctx,
		cancel: cancel,
	}
	return p
}

// Bind attaches the engine and starts the workers.
func (p *Pool) Bind(e *session.Engine, workers int) {
	p.engine = e
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	w := session.NewWorker(p.engine)
	for {
		select {
		case <-p.ctx.Done():
			return
		case s := <-p.queue:
			p.engine.Run(w, s)
		}
	}
}

// Queue schedules a session for a worker. Used for fresh connections and
// for sessions woken from a busy objhead.
func (p *Pool) Queue(s *session.Session) {
	select {
	case p.queue <- s:
	case <-p.ctx.Done():
	}
}

// ParkWaiter watches an idle keepalive session until a complete request
// arrives, then requeues it at start.
func (p *Pool) ParkWaiter(s *session.Session) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if s.AwaitRequest(p.idle) {
			p.Queue(s)
		}
	}()
}

// Shutdown stops accepting work and waits for the workers to drain.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("pool: shutdown timed out with workers still busy")
	}
}
