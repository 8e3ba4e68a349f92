package engine

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/flashembed/flashembed/internal/domain"
)

// ─── Mock Backend ───────────────────────────────────────────────────────────

const (
	defaultMockDim      = 384
	defaultMockMaxBatch = 256
)

// MockRunner produces unit-length vectors that depend only on the input:
// images through their channel means and pixel hash, texts through an
// FNV hash of the string.
type MockRunner struct {
	dim      int
	maxBatch int

	closed  atomic.Bool
	encodes atomic.Int64
}

// NewMock creates a mock runner. Dim and MaxBatch fall back to defaults.
func NewMock(opts Options) *MockRunner {
	dim := opts.Dim
	if dim <= 0 {
		dim = defaultMockDim
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMockMaxBatch
	}
	return &MockRunner{dim: dim, maxBatch: maxBatch}
}

func (m *MockRunner) Warmup() error {
	if m.closed.Load() {
		return fmt.Errorf("mock runner is closed")
	}
	return nil
}

func (m *MockRunner) MaxBatchSize() int { return m.maxBatch }

// Encodes returns how many Encode calls have succeeded.
func (m *MockRunner) Encodes() int64 { return m.encodes.Load() }

func (m *MockRunner) Encode(images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("mock runner is closed")
	}
	if texts != nil && len(images) > 0 && len(texts) != len(images) {
		return nil, fmt.Errorf("%w: %d texts for %d images", domain.ErrShapeMismatch, len(texts), len(images))
	}

	out := make(map[string]domain.Matrix, 2)
	if len(images) > 0 {
		mat := domain.NewMatrix(len(images), m.dim)
		for i, img := range images {
			m.imageVector(img, mat.Row(i))
		}
		out["image"] = mat
	}
	if texts != nil {
		mat := domain.NewMatrix(len(texts), m.dim)
		for i, t := range texts {
			h := fnv.New64a()
			h.Write([]byte(t))
			fill(rand.New(rand.NewPCG(h.Sum64(), 0x9e3779b97f4a7c15)), mat.Row(i))
		}
		out["text"] = mat
	}
	m.encodes.Add(1)
	return out, nil
}

func (m *MockRunner) imageVector(img *domain.Image, dst []float32) {
	if img == nil || len(img.Pix) == 0 {
		return
	}
	var sum [3]float64
	for i, v := range img.Pix {
		sum[i%3] += float64(v)
	}
	px := float64(len(img.Pix) / 3)

	h := fnv.New64a()
	h.Write(img.Pix)
	fill(rand.New(rand.NewPCG(h.Sum64(), uint64(img.Width)<<32|uint64(img.Height))), dst)
	for c := 0; c < 3 && c < len(dst); c++ {
		dst[c] = float32(sum[c] / px / 255)
	}
	normalize(dst)
}

func fill(r *rand.Rand, dst []float32) {
	for j := range dst {
		dst[j] = float32(r.Float64()*2 - 1)
	}
	normalize(dst)
}

func normalize(v []float32) {
	var ss float64
	for _, x := range v {
		ss += float64(x) * float64(x)
	}
	if ss == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(ss))
	for j := range v {
		v[j] *= inv
	}
}

func (m *MockRunner) Close() error {
	m.closed.Store(true)
	return nil
}
