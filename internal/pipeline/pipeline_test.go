package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/flashembed/flashembed/internal/domain"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type sliceSource struct {
	items  []*domain.Item
	failAt int // index at which Next returns failErr; -1 disables
	pos    int
	pulled atomic.Int32
	closed atomic.Int32
}

var errSourceBroken = errors.New("shard truncated")

func newSliceSource(items ...*domain.Item) *sliceSource {
	return &sliceSource{items: items, failAt: -1}
}

func (s *sliceSource) Next() (*domain.Item, error) {
	if s.pos == s.failAt {
		return nil, errSourceBroken
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	s.pulled.Add(1)
	return it, nil
}

func (s *sliceSource) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeDecoder struct {
	gate chan struct{} // when non-nil, Decode waits for it to close
}

func (d *fakeDecoder) Decode(it *domain.Item) (*domain.Item, error) {
	if d.gate != nil {
		<-d.gate
	}
	if it.UID == "bad" {
		return nil, fmt.Errorf("%w: corrupt jpeg", domain.ErrDecodeFailed)
	}
	it.Image = &domain.Image{Width: 1, Height: 1, Pix: []uint8{1, 2, 3}}
	it.Data = nil
	return it, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	texts   [][]string
	failFor string
	warmErr error
	closed  atomic.Int32
	warmups atomic.Int32
}

func (r *fakeRunner) Warmup() error {
	r.warmups.Add(1)
	return r.warmErr
}

func (r *fakeRunner) MaxBatchSize() int { return 64 }

func (r *fakeRunner) Encode(images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	r.mu.Lock()
	r.texts = append(r.texts, texts)
	r.mu.Unlock()
	if r.failFor != "" && len(images) > 0 {
		return nil, errors.New(r.failFor)
	}
	out := map[string]domain.Matrix{"image": domain.NewMatrix(len(images), 4)}
	if texts != nil {
		out["text"] = domain.NewMatrix(len(texts), 4)
	}
	return out, nil
}

func (r *fakeRunner) Close() error {
	r.closed.Add(1)
	return nil
}

func (r *fakeRunner) seenTexts() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.texts...)
}

type ctxRunner struct {
	fakeRunner
	ctxCalls atomic.Int32
}

func (r *ctxRunner) EncodeContext(_ context.Context, images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	r.ctxCalls.Add(1)
	return r.Encode(images, texts)
}

type memSink struct {
	mu      sync.Mutex
	batches []domain.Outputs
	fail    bool
	closed  atomic.Int32
}

func (s *memSink) WriteBatch(out domain.Outputs) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, out)
	return nil
}

func (s *memSink) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *memSink) uids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []string
	for _, b := range s.batches {
		all = append(all, b.UIDs...)
	}
	return all
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) Increment(name string, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name] += amount
}

func (m *countingMetrics) get(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func items(uids ...string) []*domain.Item {
	out := make([]*domain.Item, len(uids))
	for i, uid := range uids {
		out[i] = &domain.Item{UID: uid, Data: []byte{0xff}}
	}
	return out
}

func testConfig() Config {
	return Config{
		BatchSize:     2,
		MaxDelay:      time.Hour,
		QueueCapacity: 8,
		DecodeWorkers: 2,
		InferWorkers:  1,
	}
}

func newTestPipeline(t *testing.T, cfg Config, deps Deps) *Pipeline {
	t.Helper()
	if deps.Decoder == nil {
		deps.Decoder = &fakeDecoder{}
	}
	if deps.Runner == nil {
		deps.Runner = &fakeRunner{}
	}
	if deps.Sink == nil {
		deps.Sink = &memSink{}
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return p
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := New(cfg, Deps{Source: newSliceSource(), Decoder: &fakeDecoder{}, Runner: &fakeRunner{}, Sink: &memSink{}})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), Deps{Source: newSliceSource()})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

// ─── Run ────────────────────────────────────────────────────────────────────

func TestRun_EveryItemReachesTerminalState(t *testing.T) {
	src := newSliceSource(items("a", "b", "c", "d", "e", "f", "g")...)
	sink := &memSink{}
	metrics := &countingMetrics{}
	p := newTestPipeline(t, testConfig(), Deps{Source: src, Sink: sink, Metrics: metrics})

	require.NoError(t, p.Run(context.Background()))

	counts := p.Tasks().Counts()
	assert.Equal(t, 7, counts[domain.TaskDone])
	assert.Equal(t, 0, counts[domain.TaskFailed])
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f", "g"}, sink.uids())
	assert.Equal(t, 7, metrics.get(domain.MetricItemsIngested))
	assert.Equal(t, 7, metrics.get(domain.MetricItemsDecoded))
	assert.Equal(t, metrics.get(domain.MetricBatchesFormed), metrics.get(domain.MetricBatchesWritten))
}

func TestRun_EmptySource(t *testing.T) {
	sink := &memSink{}
	runner := &fakeRunner{}
	p := newTestPipeline(t, testConfig(), Deps{Source: newSliceSource(), Runner: runner, Sink: sink})

	require.NoError(t, p.Run(context.Background()))
	assert.Empty(t, sink.uids())
	assert.Equal(t, 0, p.Tasks().Len())
	assert.Equal(t, int32(1), runner.closed.Load())
}

func TestRun_DecodeFailureIsolatedToItem(t *testing.T) {
	src := newSliceSource(items("a", "bad", "c")...)
	sink := &memSink{}
	metrics := &countingMetrics{}
	p := newTestPipeline(t, testConfig(), Deps{Source: src, Sink: sink, Metrics: metrics})

	require.NoError(t, p.Run(context.Background()))

	bad, ok := p.Tasks().Get("bad")
	require.True(t, ok)
	assert.Equal(t, domain.TaskFailed, bad.State)
	assert.Contains(t, bad.LastError, "corrupt jpeg")

	for _, uid := range []string{"a", "c"} {
		task, ok := p.Tasks().Get(uid)
		require.True(t, ok)
		assert.Equal(t, domain.TaskDone, task.State, uid)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, sink.uids())
	assert.Equal(t, 1, metrics.get(domain.MetricDecodeFailures))
}

func TestRun_InferFailureFailsWholeBatch(t *testing.T) {
	src := newSliceSource(items("a", "b", "c")...)
	sink := &memSink{}
	metrics := &countingMetrics{}
	runner := &fakeRunner{failFor: "out of memory"}
	p := newTestPipeline(t, testConfig(), Deps{Source: src, Runner: runner, Sink: sink, Metrics: metrics})

	require.NoError(t, p.Run(context.Background()))

	counts := p.Tasks().Counts()
	assert.Equal(t, 3, counts[domain.TaskFailed])
	assert.Empty(t, sink.uids())
	assert.Equal(t, 2, metrics.get(domain.MetricInferFailures))
	task, _ := p.Tasks().Get("a")
	assert.Contains(t, task.LastError, "out of memory")
}

func TestRun_MixedTextFilledWithEmptyString(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	in := items("a", "b")
	in[0].Text = domain.StringPtr("a cat")

	cfg := testConfig()
	cfg.DecodeWorkers = 1
	runner := &fakeRunner{}
	metrics := &countingMetrics{}
	p := newTestPipeline(t, cfg, Deps{
		Source:  newSliceSource(in...),
		Runner:  runner,
		Metrics: metrics,
		Logger:  zap.New(core),
	})

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, [][]string{{"a cat", ""}}, runner.seenTexts())
	assert.Equal(t, 1, logs.FilterMessage("Mixed presence of text in batch; filling missing as empty").Len())
	assert.Equal(t, 1, metrics.get(domain.MetricMixedTextBatches))
}

func TestRun_NoTextPassesNil(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestPipeline(t, testConfig(), Deps{Source: newSliceSource(items("a", "b")...), Runner: runner})

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, runner.seenTexts(), 1)
	assert.Nil(t, runner.seenTexts()[0])
}

func TestRun_WarmupFailureIgnored(t *testing.T) {
	runner := &fakeRunner{warmErr: errors.New("cold")}
	cfg := testConfig()
	cfg.InferWorkers = 3
	p := newTestPipeline(t, cfg, Deps{Source: newSliceSource(items("a", "b", "c")...), Runner: runner})

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int32(1), runner.warmups.Load())
	assert.Equal(t, 3, p.Tasks().Counts()[domain.TaskDone])
}

func TestRun_Backpressure(t *testing.T) {
	gate := make(chan struct{})
	src := newSliceSource(items("a", "b", "c", "d", "e")...)
	cfg := testConfig()
	cfg.QueueCapacity = 1
	cfg.DecodeWorkers = 1
	cfg.BatchSize = 1

	p := newTestPipeline(t, cfg, Deps{Source: src, Decoder: &fakeDecoder{gate: gate}})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// One item held by the decoder, one in the raw queue, one blocked on send.
	require.Eventually(t, func() bool { return src.pulled.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), src.pulled.Load())

	close(gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain after the gate opened")
	}
	assert.Equal(t, 5, p.Tasks().Counts()[domain.TaskDone])
}

func TestRun_SourceErrorStillDrains(t *testing.T) {
	src := newSliceSource(items("a", "b", "c", "d")...)
	src.failAt = 3
	sink := &memSink{}
	metrics := &countingMetrics{}
	p := newTestPipeline(t, testConfig(), Deps{Source: src, Sink: sink, Metrics: metrics})

	err := p.Run(context.Background())
	require.ErrorIs(t, err, errSourceBroken)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, sink.uids())
	assert.Equal(t, 3, p.Tasks().Counts()[domain.TaskDone])
	assert.Equal(t, 1, metrics.get(domain.MetricSourceErrors))
	assert.Equal(t, int32(1), src.closed.Load())
}

func TestRun_CancelledContextStopsIngest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := newSliceSource(items("a", "b")...)
	p := newTestPipeline(t, testConfig(), Deps{Source: src})

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), src.pulled.Load())
}

func TestRun_UsesContextEncoder(t *testing.T) {
	runner := &ctxRunner{}
	p := newTestPipeline(t, testConfig(), Deps{Source: newSliceSource(items("a", "b", "c")...), Runner: runner})

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int32(2), runner.ctxCalls.Load())
	assert.Equal(t, 3, p.Tasks().Counts()[domain.TaskDone])
}

func TestRun_WriteFailureKeepsGoing(t *testing.T) {
	sink := &memSink{fail: true}
	metrics := &countingMetrics{}
	p := newTestPipeline(t, testConfig(), Deps{Source: newSliceSource(items("a", "b", "c")...), Sink: sink, Metrics: metrics})

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 2, metrics.get(domain.MetricWriteFailures))
	assert.Equal(t, 0, metrics.get(domain.MetricBatchesWritten))
}

func TestRun_MultipleInferWorkers(t *testing.T) {
	uids := make([]string, 40)
	for i := range uids {
		uids[i] = fmt.Sprintf("item-%02d", i)
	}
	cfg := testConfig()
	cfg.InferWorkers = 2
	cfg.DecodeWorkers = 3
	cfg.BatchSize = 4
	sink := &memSink{}
	p := newTestPipeline(t, cfg, Deps{Source: newSliceSource(items(uids...)...), Sink: sink})

	require.NoError(t, p.Run(context.Background()))
	assert.ElementsMatch(t, uids, sink.uids())
	assert.Equal(t, 40, p.Tasks().Counts()[domain.TaskDone])
}

func TestRun_SecondCallRejected(t *testing.T) {
	p := newTestPipeline(t, testConfig(), Deps{Source: newSliceSource(items("a")...)})
	require.NoError(t, p.Run(context.Background()))
	assert.ErrorIs(t, p.Run(context.Background()), domain.ErrAlreadyRan)
}

// ─── Close ──────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	src := newSliceSource()
	runner := &fakeRunner{}
	sink := &memSink{}
	p := newTestPipeline(t, testConfig(), Deps{Source: src, Runner: runner, Sink: sink})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), src.closed.Load())
	assert.Equal(t, int32(1), runner.closed.Load())
	assert.Equal(t, int32(1), sink.closed.Load())
}

func TestCollectTexts(t *testing.T) {
	withText := &domain.Item{UID: "a", Text: domain.StringPtr("dog")}
	noText := &domain.Item{UID: "b"}

	texts, mixed := collectTexts([]*domain.Item{noText, noText})
	assert.Nil(t, texts)
	assert.False(t, mixed)

	texts, mixed = collectTexts([]*domain.Item{withText, withText})
	assert.Equal(t, []string{"dog", "dog"}, texts)
	assert.False(t, mixed)

	texts, mixed = collectTexts([]*domain.Item{noText, withText})
	assert.Equal(t, []string{"", "dog"}, texts)
	assert.True(t, mixed)
}
