// Package pipeline wires the per-speaker capture path: raw PCM ingest,
// speech segmentation, incremental consolidation against a transcription
// engine stream, and caption post-processing with delivery to a sink and
// an optional archive.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxsub/voxsub/internal/consolidate"
	"github.com/voxsub/voxsub/internal/observe"
	"github.com/voxsub/voxsub/internal/postprocess"
	"github.com/voxsub/voxsub/internal/segment"
	"github.com/voxsub/voxsub/pkg/asr"
	"github.com/voxsub/voxsub/pkg/audio"
)

// Sink receives finished captions for distribution to room members.
type Sink interface {
	Publish(ctx context.Context, c postprocess.Caption)
}

// Archiver persists finished captions. [*archive.Store] satisfies it.
type Archiver interface {
	Save(ctx context.Context, c postprocess.Caption) error
}

// Pipeline processes one speaker's audio within one room. Ingest is safe to
// call from a single goroutine; consolidation runs on background goroutines
// spawned per segmenter update.
type Pipeline struct {
	room    string
	speaker string

	sampleRate int
	engineName string

	seg    *segment.Segmenter
	cons   *consolidate.Consolidator
	stream asr.Stream
	chain  *postprocess.Chain

	sink     Sink
	archiver Archiver
	metrics  *observe.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	blocks map[string]*blockState
}

type blockState struct {
	finalized bool
}

// Ingest accepts little-endian 16-bit PCM at the pipeline sample rate.
func (p *Pipeline) Ingest(pcm []byte) {
	p.metrics.RecordIngest(p.ctx, p.room, p.speaker, len(pcm))
	p.seg.Ingest(audio.DecodePCM16(pcm))
}

// IngestSamples accepts already-decoded PCM samples.
func (p *Pipeline) IngestSamples(samples []int16) {
	p.metrics.RecordIngest(p.ctx, p.room, p.speaker, len(samples)*2)
	p.seg.Ingest(samples)
}

// Close finalizes any open block, waits for in-flight consolidation, and
// releases the engine stream.
func (p *Pipeline) Close() error {
	p.seg.Close()
	p.wg.Wait()
	p.cancel()
	return p.stream.Close()
}

// onUpdate is the segmenter emit callback. It must not re-enter the
// segmenter, so all consolidation work is handed to a goroutine.
func (p *Pipeline) onUpdate(u segment.Update) {
	p.mu.Lock()
	st, seen := p.blocks[u.Block.ID()]
	if !seen {
		st = &blockState{}
		p.blocks[u.Block.ID()] = st
		p.metrics.BlocksOpened.Add(p.ctx, 1)
		p.metrics.ActiveBlocks.Add(p.ctx, 1)
	}
	p.mu.Unlock()

	if !u.Complete {
		p.metrics.ChunksFlushed.Add(p.ctx, 1)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drive(u.Block, st)
	}()
}

// drive advances the block frontier until the block is either complete or
// waiting for more audio. The consolidator's per-block guard keeps
// concurrent drives for the same block from interleaving.
func (p *Pipeline) drive(b *segment.Block, st *blockState) {
	for {
		start := time.Now()
		status, err := p.cons.Advance(p.ctx, b)
		p.metrics.AdvanceDuration.Record(p.ctx, time.Since(start).Seconds())
		if err != nil {
			p.metrics.RecordEngineError(p.ctx, p.engineName)
			p.log.Warn("advance failed, will retry on next update",
				"block", b.ID(), "error", err)
			return
		}

		switch status {
		case consolidate.StatusAdvanced:
			continue
		case consolidate.StatusNotReady:
			return
		case consolidate.StatusComplete:
			p.mu.Lock()
			already := st.finalized
			st.finalized = true
			p.mu.Unlock()
			if !already {
				p.finalize(b)
			}
			return
		}
	}
}

// finalize harvests a completed block, runs post-processing, and delivers
// the caption. Archival failures are logged but never block delivery.
func (p *Pipeline) finalize(b *segment.Block) {
	defer func() {
		p.metrics.ActiveBlocks.Add(p.ctx, -1)
		p.metrics.BlocksCompleted.Add(p.ctx, 1)
		p.mu.Lock()
		delete(p.blocks, b.ID())
		p.mu.Unlock()
	}()

	full, texts, spans := b.Harvest()
	if full == "" {
		return
	}

	start := time.Now()
	caption := p.chain.Process(p.ctx, postprocess.Utterance{
		Room:       p.room,
		Speaker:    p.speaker,
		BlockID:    b.ID(),
		Text:       full,
		ChunkTexts: texts,
		Audio:      spans,
		SampleRate: p.sampleRate,
		Start:      b.OpenedAt(),
	})
	p.metrics.PostprocessDuration.Record(p.ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("room", p.room)))

	if caption.Display == "" {
		return
	}

	p.sink.Publish(p.ctx, caption)
	p.metrics.RecordCaption(p.ctx, p.room)

	if p.archiver != nil {
		if err := p.archiver.Save(p.ctx, caption); err != nil {
			p.log.Warn("archiving caption failed",
				"block", b.ID(), "error", err)
		}
	}
}
