package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/domain"
)

// ─── Ingest ─────────────────────────────────────────────────────────────────

// ingest pulls from the source until it is exhausted, fails, or ctx is
// cancelled. Whatever the reason, every decode worker gets its end marker.
func (p *Pipeline) ingest(ctx context.Context) error {
	log := p.log.With(zap.String("stage", "ingest"))

	var stopErr error
	for {
		if err := ctx.Err(); err != nil {
			log.Warn("Ingest interrupted; draining queued items", zap.Error(err))
			stopErr = err
			break
		}
		item, err := p.source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error("Read failed; treating as end of stream", zap.Error(err))
			p.inc(domain.MetricSourceErrors)
			stopErr = fmt.Errorf("read source: %w", err)
			break
		}
		if item == nil {
			continue
		}

		p.tasks.Start(item.UID)
		p.inc(domain.MetricItemsIngested)
		p.rawQ <- message[*domain.Item]{val: item}
	}

	for i := 0; i < p.cfg.DecodeWorkers; i++ {
		p.rawQ <- endMarker[*domain.Item]()
	}
	return stopErr
}

// ─── Decode ─────────────────────────────────────────────────────────────────

func (p *Pipeline) decodeLoop(id int) error {
	log := p.log.With(zap.String("stage", "decode"), zap.Int("worker", id))

	for {
		msg := <-p.rawQ
		if msg.end {
			p.decodedQ <- endMarker[*domain.Item]()
			return nil
		}

		item := msg.val
		decoded, err := p.decode(item)
		if err != nil {
			serr := &domain.StageError{Stage: "decode", UIDs: []string{item.UID}, Err: err}
			log.Error("Decode failed", zap.String("uid", item.UID), zap.Error(serr))
			p.tasks.Fail(item.UID, err.Error(), false)
			p.inc(domain.MetricDecodeFailures)
			continue
		}
		p.inc(domain.MetricItemsDecoded)
		p.decodedQ <- message[*domain.Item]{val: decoded}
	}
}

func (p *Pipeline) decode(item *domain.Item) (*domain.Item, error) {
	var decoded *domain.Item
	err := p.decodePool.Do(func() error {
		var err error
		decoded, err = p.decoder.Decode(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	if decoded == nil {
		return nil, fmt.Errorf("%w: decoder returned no item", domain.ErrDecodeFailed)
	}
	return decoded, nil
}

// ─── Batch ──────────────────────────────────────────────────────────────────

// batchLoop feeds the batcher. It flushes only after every decode worker has
// signalled end of stream, then sends one marker per infer worker.
func (p *Pipeline) batchLoop() error {
	ended := 0
	for {
		msg := <-p.decodedQ
		if msg.end {
			ended++
			if ended < p.cfg.DecodeWorkers {
				continue
			}
			if b := p.batcher.Flush(); b != nil {
				p.emitBatch(b)
			}
			for i := 0; i < p.cfg.InferWorkers; i++ {
				p.batchQ <- endMarker[*domain.Batch]()
			}
			return nil
		}
		if b := p.batcher.Add(msg.val); b != nil {
			p.emitBatch(b)
		}
	}
}

func (p *Pipeline) emitBatch(b *domain.Batch) {
	p.inc(domain.MetricBatchesFormed)
	p.batchQ <- message[*domain.Batch]{val: b}
}

// ─── Infer ──────────────────────────────────────────────────────────────────

func (p *Pipeline) inferLoop(ctx context.Context, id int) error {
	p.warmOnce.Do(p.warmup)
	log := p.log.With(zap.String("stage", "infer"), zap.Int("worker", id))

	for {
		msg := <-p.batchQ
		if msg.end {
			p.outputQ <- endMarker[domain.Outputs]()
			return nil
		}
		p.infer(ctx, log, msg.val)
	}
}

// warmup is best effort: real backend errors surface on the first batch.
func (p *Pipeline) warmup() {
	start := time.Now()
	if err := p.inferPool.Do(p.runner.Warmup); err != nil {
		p.log.Warn("Model warmup failed; continuing", zap.Error(err))
		return
	}
	p.log.Debug("Model warm", zap.Duration("elapsed", time.Since(start)))
}

func (p *Pipeline) infer(ctx context.Context, log *zap.Logger, batch *domain.Batch) {
	uids := batch.UIDs()
	images := make([]*domain.Image, len(batch.Items))
	for i, it := range batch.Items {
		images[i] = it.Image
	}

	texts, mixed := collectTexts(batch.Items)
	if mixed {
		log.Warn("Mixed presence of text in batch; filling missing as empty",
			zap.Int("batch_size", len(uids)))
		p.inc(domain.MetricMixedTextBatches)
	}

	start := time.Now()
	vectors, err := p.encode(ctx, images, texts)
	if err != nil {
		serr := &domain.StageError{Stage: "infer", UIDs: uids, Err: err}
		log.Error("Inference failed", zap.Int("batch_size", len(uids)), zap.Error(serr))
		for _, uid := range uids {
			p.tasks.Fail(uid, err.Error(), false)
		}
		p.inc(domain.MetricInferFailures)
		return
	}
	p.observe(domain.ObserveInferSeconds, time.Since(start).Seconds())
	p.observe(domain.ObserveBatchSize, float64(len(uids)))

	p.inc(domain.MetricBatchesInferred)
	for _, uid := range uids {
		if _, err := p.tasks.Complete(uid); err != nil {
			log.Error("Task bookkeeping", zap.Error(err))
		}
	}
	p.outputQ <- message[domain.Outputs]{val: domain.Outputs{UIDs: uids, Vectors: vectors}}
}

// encode prefers the runner's context-aware path. Otherwise the blocking
// Encode runs on an infer pool slot. In-flight batches finish even after
// ctx is cancelled so the drain completes.
func (p *Pipeline) encode(ctx context.Context, images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	if p.encodeCtx != nil {
		return p.encodeCtx.EncodeContext(context.WithoutCancel(ctx), images, texts)
	}
	var out map[string]domain.Matrix
	err := p.inferPool.Do(func() error {
		var err error
		out, err = p.runner.Encode(images, texts)
		return err
	})
	return out, err
}

// collectTexts applies the text-presence policy: no captions → nil, all
// captions → every caption, some captions → missing ones become "".
// Items are never dropped for lacking text.
func collectTexts(items []*domain.Item) (texts []string, mixed bool) {
	present := 0
	for _, it := range items {
		if it.HasText() {
			present++
		}
	}
	if present == 0 {
		return nil, false
	}

	texts = make([]string, len(items))
	for i, it := range items {
		if it.HasText() {
			texts[i] = *it.Text
		}
	}
	return texts, present < len(items)
}

// ─── Write ──────────────────────────────────────────────────────────────────

// writeLoop is the last stage. It stops once every infer worker has
// forwarded its end marker.
func (p *Pipeline) writeLoop() error {
	log := p.log.With(zap.String("stage", "write"))

	ended := 0
	for {
		msg := <-p.outputQ
		if msg.end {
			ended++
			if ended < p.cfg.InferWorkers {
				continue
			}
			return nil
		}

		out := msg.val
		start := time.Now()
		err := p.writePool.Do(func() error { return p.sink.WriteBatch(out) })
		if err != nil {
			serr := &domain.StageError{Stage: "write", UIDs: out.UIDs, Err: err}
			log.Error("Write failed", zap.Int("batch_size", len(out.UIDs)), zap.Error(serr))
			p.inc(domain.MetricWriteFailures)
			continue
		}
		p.observe(domain.ObserveWriteSeconds, time.Since(start).Seconds())
		p.inc(domain.MetricBatchesWritten)
	}
}
