// Package workpool provides bounded pools of goroutines for blocking calls
// (decoding, inference, disk writes). Callers hand a function to Do and wait
// for it; at most Size calls run at once, the rest queue behind them.
package workpool

import (
	"fmt"
	"sync"

	"github.com/flashembed/flashembed/internal/domain"
)

type job struct {
	fn   func() error
	done chan error
}

// Pool is a fixed set of workers fed through an unbuffered job channel.
type Pool struct {
	name string
	size int
	jobs chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool with the given number of workers (minimum 1).
func New(name string, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		name: name,
		size: workers,
		jobs: make(chan job),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.done <- run(j.fn)
	}
}

// run executes fn, converting a panic into ErrPanicked so one bad item
// cannot take a worker down.
func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrPanicked, r)
		}
	}()
	return fn()
}

// Do runs fn on a pool worker and blocks until it returns. It waits for a
// free worker when all are busy. Returns ErrPoolClosed after Close.
func (p *Pool) Do(fn func() error) error {
	if fn == nil {
		return nil
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("%s pool: %w", p.name, domain.ErrPoolClosed)
	}
	done := make(chan error, 1)
	p.jobs <- job{fn: fn, done: done}
	p.mu.RUnlock()
	return <-done
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Name returns the pool's label.
func (p *Pool) Name() string { return p.name }

// Close stops accepting work and waits for running jobs to finish.
// Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
