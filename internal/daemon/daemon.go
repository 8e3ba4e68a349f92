package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/api"
	"github.com/flashembed/flashembed/internal/domain"
	"github.com/flashembed/flashembed/internal/health"
	"github.com/flashembed/flashembed/internal/infra/codec"
	"github.com/flashembed/flashembed/internal/infra/engine"
	"github.com/flashembed/flashembed/internal/infra/metrics"
	"github.com/flashembed/flashembed/internal/infra/source"
	"github.com/flashembed/flashembed/internal/infra/sqlite"
	"github.com/flashembed/flashembed/internal/infra/writer"
	"github.com/flashembed/flashembed/internal/pipeline"
)

// newPipeline is swapped in tests.
var newPipeline = pipeline.New

// Daemon owns one embedding run: the ledger, the collaborators, the
// pipeline, and the optional status server.
type Daemon struct {
	Config   Config
	Ledger   *sqlite.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Sink
	Health   *health.Checker
	Pipeline *pipeline.Pipeline
	Sink     *writer.Sink

	log *zap.Logger

	mu  sync.RWMutex
	run domain.Run

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds every collaborator. Any failure here is
// fatal and nothing has been ingested yet.
func New(cfg Config, log *zap.Logger) (d *Daemon, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	format, _ := writer.ParseFormat(cfg.Output.Format)

	db, err := sqlite.Open(Home())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	// Unwind whatever was built if a later step fails.
	var closers []func() error
	closers = append(closers, db.Close)
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewSink(reg)

	runID := uuid.NewString()
	record := domain.Run{
		ID:        runID,
		Status:    domain.RunRunning,
		Backend:   cfg.Model.Backend,
		Model:     cfg.Model.Name,
		Format:    string(format),
		OutputDir: cfg.Output.Dir,
		Sources:   cfg.IO.DataPaths,
	}
	d = &Daemon{
		Config:   cfg,
		Ledger:   db,
		Registry: reg,
		Metrics:  sink,
		log:      log.Named("daemon"),
		run:      record,
	}

	src, err := source.Open(cfg.IO.DataPaths, source.Options{
		Shuffle:  cfg.IO.Shuffle,
		Seed:     cfg.IO.Seed,
		Prefetch: cfg.IO.Prefetch,
		Logger:   log.Named("source"),
	})
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	closers = append(closers, src.Close)

	dec, err := codec.New(codec.Options{Size: cfg.IO.DecodeSize, Mode: cfg.IO.ResizeMode})
	if err != nil {
		return nil, err
	}

	engOpts := cfg.EngineOptions()
	engOpts.Logger = log.Named("engine")
	runner, err := engine.New(cfg.Model.Backend, engOpts)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	closers = append(closers, runner.Close)

	out, err := writer.New(writer.Options{
		Dir:    cfg.Output.Dir,
		Format: format,
		RunID:  runID,
		Store:  db,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	d.Sink = out

	// The sink is not unwound: closing it writes manifest.json, which a
	// failed New must not leave behind.
	p, err := newPipeline(cfg.Pipeline(), pipeline.Deps{
		Source:  src,
		Decoder: dec,
		Runner:  runner,
		Sink:    out,
		Metrics: sink,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	d.Pipeline = p

	var prober health.ReadyProber
	if rp, ok := runner.(health.ReadyProber); ok {
		prober = rp
	}
	d.Health = health.NewChecker(db, cfg.Output.Dir, prober)
	return d, nil
}

// RunInfo returns a copy of the current run record.
func (d *Daemon) RunInfo() domain.Run {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.run
}

// Run records the run in the ledger, serves the status API if configured,
// drives the pipeline to completion, and persists every task outcome.
// Item failures do not make Run fail; source and context errors do.
func (d *Daemon) Run(ctx context.Context) (domain.Run, error) {
	d.mu.Lock()
	d.run.StartedAt = time.Now()
	run := d.run
	d.mu.Unlock()

	if err := d.Ledger.InsertRun(run); err != nil {
		return run, fmt.Errorf("record run: %w", err)
	}
	d.log.Info("Run started",
		zap.String("run_id", run.ID),
		zap.String("backend", run.Backend),
		zap.String("format", run.Format),
		zap.Strings("sources", run.Sources))

	stopServer, err := d.serveStatus(ctx)
	if err != nil {
		d.mu.Lock()
		d.run.EndedAt = time.Now()
		d.run.Status = domain.RunFailed
		d.run.Error = err.Error()
		run = d.run
		d.mu.Unlock()
		if cerr := d.Ledger.CompleteRun(run, nil); cerr != nil {
			err = errors.Join(err, fmt.Errorf("persist run: %w", cerr))
		}
		d.log.Error("Run aborted", zap.String("run_id", run.ID), zap.Error(err))
		return run, err
	}
	defer stopServer()

	runErr := d.Pipeline.Run(ctx)

	tasks := d.Pipeline.Tasks().Snapshot()
	counts := d.Pipeline.Tasks().Counts()

	d.mu.Lock()
	d.run.EndedAt = time.Now()
	d.run.Done = counts[domain.TaskDone]
	d.run.Failed = counts[domain.TaskFailed]
	d.run.Status = domain.RunFinished
	if runErr != nil {
		d.run.Status = domain.RunFailed
		d.run.Error = runErr.Error()
	}
	run = d.run
	d.mu.Unlock()

	if err := d.Ledger.CompleteRun(run, tasks); err != nil {
		d.log.Error("Persist run outcome", zap.String("run_id", run.ID), zap.Error(err))
		runErr = errors.Join(runErr, fmt.Errorf("persist run: %w", err))
	}

	d.log.Info("Run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("done", run.Done),
		zap.Int("failed", run.Failed),
		zap.Duration("elapsed", run.Duration()))
	return run, runErr
}

// serveStatus starts the chi status server and the health loop when
// telemetry.listen is set. The returned func stops both.
func (d *Daemon) serveStatus(ctx context.Context) (func(), error) {
	addr := d.Config.Telemetry.Listen
	if addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := api.NewServer(api.Deps{
		Run:      d.RunInfo,
		Tasks:    d.Pipeline.Tasks(),
		Metrics:  d.Metrics,
		Health:   d.Health,
		Queues:   d.Pipeline.QueueDepths,
		Gatherer: d.Registry,
	})
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthCtx, cancelHealth := context.WithCancel(context.WithoutCancel(ctx))
	go d.Health.Run(healthCtx)

	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("Status server", zap.Error(err))
		}
	}()
	d.log.Info("Status API listening", zap.String("addr", ln.Addr().String()))

	return func() {
		cancelHealth()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}, nil
}

// Close releases the pipeline collaborators and the ledger. Safe to call
// after Run, which already closes the pipeline.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if err := d.Pipeline.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
