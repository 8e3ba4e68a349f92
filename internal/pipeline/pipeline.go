// Package pipeline is the staged embedding orchestrator:
//
//	Source → [raw] → decode ×N → [decoded] → batch ×1 → [batch] → infer ×M → [output] → write ×1 → Sink
//
// Every queue is a fixed-capacity channel, so a slow stage suspends the ones
// upstream of it. End of stream travels as an explicit marker: each queue
// receives exactly one marker per goroutine that reads from it, which lets
// every consumer stop on its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flashembed/flashembed/internal/domain"
	"github.com/flashembed/flashembed/internal/infra/scheduler"
	"github.com/flashembed/flashembed/internal/infra/workpool"
)

// Config holds the knobs the orchestrator consumes. It never computes them.
type Config struct {
	BatchSize     int
	MaxDelay      time.Duration
	QueueCapacity int
	DecodeWorkers int
	InferWorkers  int
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     32,
		MaxDelay:      10 * time.Millisecond,
		QueueCapacity: 512,
		DecodeWorkers: 2,
		InferWorkers:  1,
	}
}

// Validate rejects configurations the stage topology cannot run with.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", domain.ErrInvalidConfig, c.BatchSize)
	case c.MaxDelay < 0:
		return fmt.Errorf("%w: batch max delay must not be negative", domain.ErrInvalidConfig)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity must be positive, got %d", domain.ErrInvalidConfig, c.QueueCapacity)
	case c.DecodeWorkers <= 0:
		return fmt.Errorf("%w: decode workers must be positive, got %d", domain.ErrInvalidConfig, c.DecodeWorkers)
	case c.InferWorkers <= 0:
		return fmt.Errorf("%w: infer workers must be positive, got %d", domain.ErrInvalidConfig, c.InferWorkers)
	}
	return nil
}

// Deps are the external collaborators the pipeline owns once constructed.
type Deps struct {
	Source  domain.Source
	Decoder domain.Decoder
	Runner  domain.ModelRunner
	Sink    domain.OutputSink

	Metrics   domain.MetricsSink   // optional
	Scheduler *scheduler.Scheduler // optional; a fresh one is created if nil
	Logger    *zap.Logger          // optional
}

// message carries either a value or an end-of-stream marker.
type message[T any] struct {
	val T
	end bool
}

func endMarker[T any]() message[T] { return message[T]{end: true} }

// Pipeline wires the stages together. Create with New, drive with Run.
type Pipeline struct {
	cfg Config
	log *zap.Logger

	source  domain.Source
	decoder domain.Decoder
	runner  domain.ModelRunner
	sink    domain.OutputSink
	metrics domain.MetricsSink

	// Resolved once at construction.
	observer  domain.Observer
	encodeCtx domain.ContextEncoder

	tasks   *scheduler.Scheduler
	batcher *Batcher

	rawQ     chan message[*domain.Item]
	decodedQ chan message[*domain.Item]
	batchQ   chan message[*domain.Batch]
	outputQ  chan message[domain.Outputs]

	decodePool *workpool.Pool
	inferPool  *workpool.Pool
	writePool  *workpool.Pool

	ran       atomic.Bool
	warmOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds queues, batcher, and worker pools.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Decoder == nil || deps.Runner == nil || deps.Sink == nil {
		return nil, fmt.Errorf("%w: source, decoder, runner and sink are required", domain.ErrInvalidConfig)
	}

	p := &Pipeline{
		cfg:     cfg,
		log:     deps.Logger,
		source:  deps.Source,
		decoder: deps.Decoder,
		runner:  deps.Runner,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		tasks:   deps.Scheduler,
		batcher: NewBatcher(cfg.BatchSize, cfg.MaxDelay),

		rawQ:     make(chan message[*domain.Item], cfg.QueueCapacity),
		decodedQ: make(chan message[*domain.Item], cfg.QueueCapacity),
		batchQ:   make(chan message[*domain.Batch], cfg.QueueCapacity),
		outputQ:  make(chan message[domain.Outputs], cfg.QueueCapacity),

		decodePool: workpool.New("decode", cfg.DecodeWorkers),
		inferPool:  workpool.New("infer", cfg.InferWorkers),
		writePool:  workpool.New("write", 1),
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	p.log = p.log.Named("pipeline")
	if p.tasks == nil {
		p.tasks = scheduler.New()
	}
	if obs, ok := deps.Metrics.(domain.Observer); ok {
		p.observer = obs
	}
	if enc, ok := deps.Runner.(domain.ContextEncoder); ok {
		p.encodeCtx = enc
	}

	if max := p.runner.MaxBatchSize(); max > 0 && cfg.BatchSize > max {
		p.log.Warn("Batch size exceeds backend maximum",
			zap.Int("batch_size", cfg.BatchSize), zap.Int("backend_max", max))
	}
	return p, nil
}

// Tasks returns the task scheduler tracking every ingested item.
func (p *Pipeline) Tasks() *scheduler.Scheduler { return p.tasks }

// Run starts every stage, waits for the write stage to drain, and closes all
// collaborators. Cancelling ctx stops ingestion early; items already queued
// still drain. The returned error is the first source or context error, or
// a close error; per-item failures are recorded on tasks, not returned.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	if !p.ran.CompareAndSwap(false, true) {
		return domain.ErrAlreadyRan
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	start := time.Now()
	p.log.Info("Pipeline starting",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("max_delay", p.cfg.MaxDelay),
		zap.Int("queue_capacity", p.cfg.QueueCapacity),
		zap.Int("decode_workers", p.cfg.DecodeWorkers),
		zap.Int("infer_workers", p.cfg.InferWorkers),
		zap.Bool("context_encoder", p.encodeCtx != nil))

	var g errgroup.Group
	g.Go(func() error { return p.ingest(ctx) })
	for i := 0; i < p.cfg.DecodeWorkers; i++ {
		id := i
		g.Go(func() error { return p.decodeLoop(id) })
	}
	g.Go(p.batchLoop)
	for i := 0; i < p.cfg.InferWorkers; i++ {
		id := i
		g.Go(func() error { return p.inferLoop(ctx, id) })
	}
	g.Go(p.writeLoop)

	err = g.Wait()

	counts := p.tasks.Counts()
	p.log.Info("Pipeline finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("done", counts[domain.TaskDone]),
		zap.Int("failed", counts[domain.TaskFailed]),
		zap.Int("in_progress", counts[domain.TaskInProgress]))
	return err
}

// Close stops the worker pools, then releases the source, sink, and model
// runner. Only the first call does any work; later calls return its result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.decodePool.Close()
		p.inferPool.Close()
		p.writePool.Close()

		var errs []error
		if err := p.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
		if err := p.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		if err := p.runner.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close runner: %w", err))
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// QueueDepths reports current occupancy of each inter-stage queue.
type QueueDepths struct {
	Raw     int `json:"raw"`
	Decoded int `json:"decoded"`
	Batch   int `json:"batch"`
	Output  int `json:"output"`
}

// QueueDepths returns a point-in-time view of queue occupancy.
func (p *Pipeline) QueueDepths() QueueDepths {
	return QueueDepths{
		Raw:     len(p.rawQ),
		Decoded: len(p.decodedQ),
		Batch:   len(p.batchQ),
		Output:  len(p.outputQ),
	}
}

func (p *Pipeline) inc(name string) {
	if p.metrics != nil {
		p.metrics.Increment(name, 1)
	}
}

func (p *Pipeline) observe(name string, v float64) {
	if p.observer != nil {
		p.observer.Observe(name, v)
	}
}
