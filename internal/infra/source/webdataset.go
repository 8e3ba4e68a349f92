package source

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/domain"
)

// imageExts are tried in order; the first member present wins.
var imageExts = []string{"jpg", "jpeg", "png", "webp"}

// WebDataset streams samples out of tar shards. Members sharing a key
// (the path up to the first dot of the file name) form one sample:
// an image, an optional .txt caption, and optional .json metadata.
type WebDataset struct {
	shards []string
	client *http.Client
	log    *zap.Logger

	next    int // index of the next shard to open
	cur     *shardReader
	skipped int
	failed  int
	lastErr error
}

// WebDatasetOptions configures shard handling.
type WebDatasetOptions struct {
	Shuffle bool
	Seed    uint64 // used with Shuffle; 0 picks a random order
	Client  *http.Client
	Logger  *zap.Logger
}

// NewWebDataset expands every pattern and returns a source over the
// resulting shard list. Nothing is opened until the first Next.
func NewWebDataset(patterns []string, opts WebDatasetOptions) (*WebDataset, error) {
	var shards []string
	for _, p := range patterns {
		expanded, err := ExpandBraces(p)
		if err != nil {
			return nil, fmt.Errorf("expand shard pattern: %w", err)
		}
		shards = append(shards, expanded...)
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards given", domain.ErrInvalidConfig)
	}

	if opts.Shuffle {
		var r *rand.Rand
		if opts.Seed != 0 {
			r = rand.New(rand.NewPCG(opts.Seed, opts.Seed))
		} else {
			r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		r.Shuffle(len(shards), func(i, j int) { shards[i], shards[j] = shards[j], shards[i] })
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &WebDataset{
		shards: shards,
		client: opts.Client,
		log:    log.Named("source"),
	}, nil
}

// Shards returns the expanded shard list in read order.
func (w *WebDataset) Shards() []string { return append([]string(nil), w.shards...) }

// Skipped returns how many samples were dropped for lacking an image.
func (w *WebDataset) Skipped() int { return w.skipped }

// FailedShards returns how many shards could not be opened or were cut
// short by a read error.
func (w *WebDataset) FailedShards() int { return w.failed }

// Next returns the next sample as an undecoded item, or io.EOF after the
// last shard. A shard that fails to open or read is logged and skipped;
// Next only returns an error once every shard has failed.
func (w *WebDataset) Next() (*domain.Item, error) {
	for {
		if w.cur == nil {
			if w.next >= len(w.shards) {
				if w.failed == len(w.shards) && w.lastErr != nil {
					return nil, fmt.Errorf("all %d shards failed: %w", w.failed, w.lastErr)
				}
				return nil, io.EOF
			}
			if err := w.openNext(); err != nil {
				w.shardFailed(err)
				continue
			}
		}

		s, err := w.cur.nextSample()
		if errors.Is(err, io.EOF) {
			w.closeCurrent()
			continue
		}
		if err != nil {
			name := w.cur.name
			w.closeCurrent()
			w.shardFailed(fmt.Errorf("shard %s: %w", name, err))
			continue
		}

		item, ok := s.toItem(w.cur.name)
		if !ok {
			w.skipped++
			w.log.Debug("Sample has no image member; skipping",
				zap.String("key", s.key), zap.String("shard", w.cur.name))
			continue
		}
		return item, nil
	}
}

func (w *WebDataset) shardFailed(err error) {
	w.failed++
	w.lastErr = err
	w.log.Warn("Shard failed; continuing with the next one",
		zap.Int("failed_shards", w.failed), zap.Error(err))
}

func (w *WebDataset) openNext() error {
	name := w.shards[w.next]
	w.next++

	rc, err := openShard(w.client, name)
	if err != nil {
		return fmt.Errorf("open shard %s: %w", name, err)
	}
	w.log.Debug("Shard opened", zap.String("shard", name),
		zap.Int("index", w.next), zap.Int("total", len(w.shards)))
	w.cur = &shardReader{name: name, rc: rc, tr: tar.NewReader(rc)}
	return nil
}

func (w *WebDataset) closeCurrent() {
	if w.cur == nil {
		return
	}
	if err := w.cur.rc.Close(); err != nil {
		w.log.Warn("Close shard", zap.String("shard", w.cur.name), zap.Error(err))
	}
	w.cur = nil
}

// Close releases the open shard, if any.
func (w *WebDataset) Close() error {
	w.closeCurrent()
	w.next = len(w.shards)
	return nil
}

// ─── Shard reading ──────────────────────────────────────────────────────────

type member struct {
	key  string
	ext  string
	data []byte
}

type sample struct {
	key   string
	files map[string][]byte
}

type shardReader struct {
	name string
	rc   io.ReadCloser
	tr   *tar.Reader
	look *member // first member of the following sample
}

// nextSample groups consecutive members with the same key.
func (r *shardReader) nextSample() (*sample, error) {
	var s *sample
	for {
		m := r.look
		r.look = nil
		if m == nil {
			var err error
			m, err = r.readMember()
			if errors.Is(err, io.EOF) {
				if s != nil {
					return s, nil
				}
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
		}

		if s == nil {
			s = &sample{key: m.key, files: make(map[string][]byte)}
		}
		if m.key != s.key {
			r.look = m
			return s, nil
		}
		s.files[m.ext] = m.data
	}
}

func (r *shardReader) readMember() (*member, error) {
	for {
		hdr, err := r.tr.Next()
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		key, ext, ok := splitKey(hdr.Name)
		if !ok {
			continue
		}
		data, err := io.ReadAll(r.tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		return &member{key: key, ext: ext, data: data}, nil
	}
}

// splitKey splits "dir/000123.seg.jpg" into ("dir/000123", "seg.jpg").
// Names without an extension and "__"-prefixed members are ignored.
func splitKey(name string) (key, ext string, ok bool) {
	dir, base := path.Split(name)
	if base == "" || strings.HasPrefix(base, "__") {
		return "", "", false
	}
	stem, ext, found := strings.Cut(base, ".")
	if !found || stem == "" || ext == "" {
		return "", "", false
	}
	return dir + stem, strings.ToLower(ext), true
}

func (s *sample) toItem(shard string) (*domain.Item, bool) {
	var img []byte
	for _, ext := range imageExts {
		if b, ok := s.files[ext]; ok {
			img = b
			break
		}
	}
	if img == nil {
		return nil, false
	}

	item := &domain.Item{
		UID:  s.key,
		Data: img,
		Meta: map[string]string{"shard": shard},
	}
	if txt, ok := s.files["txt"]; ok {
		item.Text = domain.StringPtr(strings.TrimSpace(string(txt)))
	}
	if raw, ok := s.files["json"]; ok {
		mergeMeta(item.Meta, raw)
	}
	return item, true
}

// mergeMeta flattens a JSON object into string metadata. Non-string values
// keep their JSON encoding. Malformed JSON is kept verbatim under "json".
func mergeMeta(dst map[string]string, raw []byte) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		dst["json"] = string(raw)
		return
	}
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			dst[k] = s
			continue
		}
		dst[k] = string(v)
	}
}
