// Package writer persists embedding batches and records every file it wrote
// in manifest.json when closed.
package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/domain"
)

// Format names an output encoding.
type Format string

const (
	FormatNPY    Format = "npy"
	FormatNPZ    Format = "npz"
	FormatJSONL  Format = "jsonl"
	FormatSQLite Format = "sqlite"
)

// Formats lists the supported output formats.
var Formats = []Format{FormatNPY, FormatNPZ, FormatJSONL, FormatSQLite}

// ParseFormat maps a config string onto a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q (want npy, npz, jsonl or sqlite)", domain.ErrUnknownFormat, s)
}

// EmbeddingStore is the database the sqlite format writes into.
type EmbeddingStore interface {
	InsertEmbeddings(runID string, out domain.Outputs) error
	DeleteEmbeddings(runID, kind string, uids []string) error
	Path() string
}

// Options configures a Sink.
type Options struct {
	Dir    string
	Format Format
	RunID  string
	Store  EmbeddingStore // required for FormatSQLite
	Logger *zap.Logger
}

// ManifestEntry describes one kind of one written batch.
type ManifestEntry struct {
	Batch int      `json:"batch"`
	Kind  string   `json:"kind"`
	Path  string   `json:"path"`
	Rows  int      `json:"rows"`
	Cols  int      `json:"cols"`
	UIDs  []string `json:"uids"`
}

// Manifest is the document written to manifest.json.
type Manifest struct {
	RunID    string          `json:"run_id,omitempty"`
	Format   Format          `json:"format"`
	Batches  int             `json:"batches"`
	Rows     int             `json:"rows"`
	Entries  []ManifestEntry `json:"entries"`
	ClosedAt time.Time       `json:"closed_at"`
}

// encoder writes one kind of one batch and returns where it went. discard
// undoes a write of the same batch and kind, whether or not it finished.
type encoder interface {
	write(batch int, kind string, uids []string, m domain.Matrix) (string, error)
	discard(batch int, kind string, uids []string) error
	close() error
}

// Sink implements domain.OutputSink. Only batches that were fully written
// appear in the manifest.
type Sink struct {
	dir    string
	format Format
	runID  string
	enc    encoder
	log    *zap.Logger

	mu       sync.Mutex
	batches  int
	rows     int
	manifest []ManifestEntry

	closeOnce sync.Once
	closeErr  error
}

// New creates the output directory and the encoder for opts.Format.
func New(opts Options) (*Sink, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: output dir is required", domain.ErrInvalidConfig)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var enc encoder
	switch opts.Format {
	case FormatNPY, "":
		opts.Format = FormatNPY
		enc = &npyEncoder{dir: opts.Dir}
	case FormatNPZ:
		enc = &npzEncoder{dir: opts.Dir}
	case FormatJSONL:
		enc = newJSONLEncoder(opts.Dir)
	case FormatSQLite:
		if opts.Store == nil {
			return nil, fmt.Errorf("%w: sqlite output needs a state database", domain.ErrInvalidConfig)
		}
		enc = &sqliteEncoder{store: opts.Store, runID: opts.RunID}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownFormat, opts.Format)
	}

	return &Sink{
		dir:    opts.Dir,
		format: opts.Format,
		runID:  opts.RunID,
		enc:    enc,
		log:    log.Named("writer"),
	}, nil
}

// WriteBatch persists every kind in out. Kinds are written in name order.
// When one kind fails, the kinds already written for this batch are
// discarded so nothing outside the manifest is left behind.
func (s *Sink) WriteBatch(out domain.Outputs) error {
	kinds := make([]string, 0, len(out.Vectors))
	for kind, m := range out.Vectors {
		if m.Rows != len(out.UIDs) {
			return fmt.Errorf("%w: %s has %d rows for %d items", domain.ErrShapeMismatch, kind, m.Rows, len(out.UIDs))
		}
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.batches
	entries := make([]ManifestEntry, 0, len(kinds))
	for _, kind := range kinds {
		m := out.Vectors[kind]
		path, err := s.enc.write(batch, kind, out.UIDs, m)
		if err != nil {
			s.discard(batch, out.UIDs, append(written(entries), kind))
			return fmt.Errorf("write %s batch %d: %w", kind, batch, err)
		}
		entries = append(entries, ManifestEntry{
			Batch: batch, Kind: kind, Path: path,
			Rows: m.Rows, Cols: m.Cols, UIDs: append([]string(nil), out.UIDs...),
		})
	}

	s.manifest = append(s.manifest, entries...)
	s.batches++
	s.rows += len(out.UIDs)
	s.log.Debug("Batch written", zap.Int("batch", batch), zap.Int("rows", len(out.UIDs)), zap.Strings("kinds", kinds))
	return nil
}

func (s *Sink) discard(batch int, uids []string, kinds []string) {
	for _, kind := range kinds {
		if err := s.enc.discard(batch, kind, uids); err != nil {
			s.log.Warn("Could not discard partial batch output",
				zap.Int("batch", batch), zap.String("kind", kind), zap.Error(err))
		}
	}
}

func written(entries []ManifestEntry) []string {
	kinds := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Manifest returns a copy of what has been written so far.
func (s *Sink) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Manifest{
		RunID:   s.runID,
		Format:  s.format,
		Batches: s.batches,
		Rows:    s.rows,
		Entries: append([]ManifestEntry(nil), s.manifest...),
	}
}

// ManifestPath is where Close writes the manifest.
func (s *Sink) ManifestPath() string { return filepath.Join(s.dir, "manifest.json") }

// Close flushes the encoder and writes manifest.json. Safe to call more
// than once.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		encErr := s.enc.close()

		m := s.Manifest()
		m.ClosedAt = time.Now().UTC()
		if m.Entries == nil {
			m.Entries = []ManifestEntry{}
		}
		data, err := json.MarshalIndent(m, "", "  ")
		if err == nil {
			err = os.WriteFile(s.ManifestPath(), data, 0o644)
		}
		if err != nil {
			err = fmt.Errorf("write manifest: %w", err)
		}

		if encErr != nil {
			s.closeErr = encErr
		} else {
			s.closeErr = err
		}
		s.log.Info("Output closed",
			zap.String("format", string(s.format)),
			zap.Int("batches", m.Batches),
			zap.Int("rows", m.Rows),
			zap.String("manifest", s.ManifestPath()))
	})
	return s.closeErr
}
