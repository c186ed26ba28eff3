// Package workers provides bounded goroutine pools with an explicit
// policy for work that arrives while the queue is full.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/securemsg/internal/logging"
)

// RejectionPolicy decides what happens to a task when the queue is full or
// the pool is stopped.
type RejectionPolicy int

const (
	// CallerRuns executes the task on the submitting goroutine.
	CallerRuns RejectionPolicy = iota
	// Discard drops the task and logs it.
	Discard
)

var ErrRejected = errors.New("task rejected")

type Task func(ctx context.Context)

type job struct {
	ctx context.Context
	fn  Task
}

type Pool struct {
	name   string
	size   int
	policy RejectionPolicy
	log    logging.Logger

	mu     sync.RWMutex
	queue  chan job
	closed bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewPool(name string, size, queueSize int, policy RejectionPolicy, l logging.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		name:   name,
		size:   size,
		policy: policy,
		log:    l.With("module", "workers", "pool", name),
		queue:  make(chan job, queueSize),
	}
}

func (p *Pool) Name() string { return p.name }

// Start launches the workers. Calling it more than once is a no-op.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j.ctx, j.fn)
	}
}

func (p *Pool) run(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(ctx, "task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx)
}

// Submit queues fn. It reports false when the task was discarded; under
// CallerRuns a rejected task has already run when Submit returns.
func (p *Pool) Submit(ctx context.Context, fn Task) bool {
	p.mu.RLock()
	if !p.closed {
		select {
		case p.queue <- job{ctx: ctx, fn: fn}:
			p.mu.RUnlock()
			return true
		default:
		}
	}
	p.mu.RUnlock()

	if p.policy == CallerRuns {
		p.run(ctx, fn)
		return true
	}
	p.log.Warn(ctx, "task discarded")
	return false
}

// Do submits fn and waits for its result or for ctx to end.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	task := func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s pool: task panicked: %v", p.name, r)
			}
		}()
		done <- fn(ctx)
	}
	if !p.Submit(ctx, task) {
		return fmt.Errorf("%s pool: %w", p.name, ErrRejected)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue, lets workers drain it and waits for them or ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.Start()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
