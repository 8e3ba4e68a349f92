package source

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/flashembed/flashembed/internal/domain"
)

var errPrefetchClosed = errors.New("prefetch source closed")

type fetched struct {
	item *domain.Item
	err  error
}

// Prefetch reads ahead of its consumer on a background goroutine, holding
// at most depth items. The goroutine starts on the first Next and stops
// after the inner source returns any error, io.EOF included.
type Prefetch struct {
	inner domain.Source
	depth int

	startOnce sync.Once
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	ch     chan fetched
	done   chan struct{}
	exited chan struct{}
	last   error // sticky terminal error
}

// NewPrefetch wraps inner. A depth below 1 is treated as 1.
func NewPrefetch(inner domain.Source, depth int) *Prefetch {
	if depth < 1 {
		depth = 1
	}
	return &Prefetch{
		inner:  inner,
		depth:  depth,
		ch:     make(chan fetched, depth),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Depth returns the read-ahead bound.
func (p *Prefetch) Depth() int { return p.depth }

func (p *Prefetch) run() {
	defer close(p.exited)
	defer close(p.ch)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		item, err := p.inner.Next()
		select {
		case p.ch <- fetched{item: item, err: err}:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next prefetched item. Once the inner source reports an
// error, every later call returns that same error.
func (p *Prefetch) Next() (*domain.Item, error) {
	if p.last != nil {
		return nil, p.last
	}
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run()
	})

	f, ok := <-p.ch
	if !ok {
		p.last = errPrefetchClosed
		return nil, p.last
	}
	if f.err != nil {
		p.last = f.err
		return nil, f.err
	}
	return f.item, nil
}

// Close stops the read-ahead goroutine, waits for it to leave the inner
// source, then closes the inner source.
func (p *Prefetch) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.startOnce.Do(func() {})
		if p.started.Load() {
			<-p.exited
		}
		p.closeErr = p.inner.Close()
	})
	return p.closeErr
}
