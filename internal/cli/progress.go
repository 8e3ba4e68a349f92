package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/flashembed/flashembed/internal/domain"
	"github.com/flashembed/flashembed/internal/infra/metrics"
	"github.com/flashembed/flashembed/internal/infra/scheduler"
)

// ─── Progress Line ──────────────────────────────────────────────────────────
// A single self-overwriting status line on stderr while a run is active:
//   1,204 ingested │ 1,180 done │ 3 failed │ 37 batches │ 412.6 items/s │ 2.9s

type progress struct {
	w       io.Writer
	metrics *metrics.Sink
	tasks   *scheduler.Scheduler
	started time.Time

	mu       sync.Mutex
	finished bool
}

func newProgress(w io.Writer, m *metrics.Sink, tasks *scheduler.Scheduler) *progress {
	return &progress{w: w, metrics: m, tasks: tasks, started: time.Now()}
}

func (p *progress) loop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.render(time.Now())
		}
	}
}

func (p *progress) render(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	clearLine(p.w)
	fmt.Fprint(p.w, p.line(now))
}

// finish draws the final state and moves to a fresh line.
func (p *progress) finish() {
	p.render(time.Now())
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
	fmt.Fprintln(p.w)
}

func (p *progress) line(now time.Time) string {
	counts := p.tasks.Counts()
	done := counts[domain.TaskDone]
	elapsed := now.Sub(p.started)

	return fmt.Sprintf("  %s ingested │ %s done │ %s failed │ %d batches │ %s │ %s",
		humanize.Comma(p.metrics.Get(domain.MetricItemsIngested)),
		humanize.Comma(int64(done)),
		humanize.Comma(int64(counts[domain.TaskFailed])),
		p.metrics.Get(domain.MetricBatchesWritten),
		formatRate(done, elapsed),
		elapsed.Round(100*time.Millisecond))
}

func formatRate(done int, elapsed time.Duration) string {
	if elapsed < 500*time.Millisecond {
		return "-- items/s"
	}
	return fmt.Sprintf("%.1f items/s", float64(done)/elapsed.Seconds())
}

func clearLine(w io.Writer) {
	fmt.Fprint(w, "\r\033[K")
}
