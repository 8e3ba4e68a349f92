package domain

import "context"

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These interfaces define the boundary between the pipeline core and its
// adapters. Infrastructure implements them; the pipeline depends on them.

// Source yields items one at a time. Next returns io.EOF once exhausted.
// A Source is single-pass and not restartable.
type Source interface {
	Next() (*Item, error)
	Close() error
}

// Decoder turns an item's encoded payload into pixels. Implementations must
// be safe for concurrent use from several decode workers.
type Decoder interface {
	Decode(item *Item) (*Item, error)
}

// ModelRunner is the unified inference API across backends.
type ModelRunner interface {
	// Warmup prepares the backend. Best effort: callers log and continue.
	Warmup() error

	// MaxBatchSize is an advisory ceiling for batch sizes.
	MaxBatchSize() int

	// Encode runs inference. A nil texts slice means "no text input".
	Encode(images []*Image, texts []string) (map[string]Matrix, error)

	Close() error
}

// ContextEncoder is implemented by runners with a native non-blocking
// encode path. The pipeline detects it once and calls it directly instead
// of handing Encode to a worker slot.
type ContextEncoder interface {
	EncodeContext(ctx context.Context, images []*Image, texts []string) (map[string]Matrix, error)
}

// OutputSink persists vectors. Close finalizes any manifest.
type OutputSink interface {
	WriteBatch(out Outputs) error
	Close() error
}

// MetricsSink accumulates named counters.
type MetricsSink interface {
	Increment(name string, amount int)
}

// Observer is optionally implemented by a MetricsSink to record durations
// and sizes.
type Observer interface {
	Observe(name string, value float64)
}
