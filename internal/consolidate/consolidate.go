// Package consolidate advances a block's frontier through its chunk chain,
// feeding newly available chunks to the transcription engine and committing
// stable text to each chunk via prefix-diff reconciliation.
//
// The engine is cumulative: each hypothesis covers everything since its last
// final, so words are only attributed to a chunk once a later, longer
// hypothesis agrees with the earlier one on a shared word prefix. The
// disagreeing suffix moves to the newer chunk instead of being duplicated
// or lost.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/voxsub/voxsub/internal/observe"
	"github.com/voxsub/voxsub/internal/segment"
	"github.com/voxsub/voxsub/pkg/asr"
)

// Status reports the outcome of one Advance call.
type Status int

const (
	// StatusNotReady means the frontier chunk has no audio assigned yet, or
	// the engine call failed before consuming it. Retried on the next event.
	StatusNotReady Status = iota

	// StatusAdvanced means the frontier moved and more chunks are pending.
	StatusAdvanced

	// StatusComplete means the frontier has passed the terminal chunk.
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusNotReady:
		return "not_ready"
	case StatusAdvanced:
		return "advanced"
	case StatusComplete:
		return "complete"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Consolidator drives frontier advances for one speaker's blocks over one
// engine stream. The stream is stateful, so calls into it are serialized
// even when consecutive blocks overlap in flight; an optional shared
// semaphore additionally bounds inference concurrency across all speakers.
type Consolidator struct {
	stream asr.Stream
	sem    *semaphore.Weighted
	log    *slog.Logger
	met    *observe.Metrics
	engine string

	// engineMu serializes Transcribe calls on the cumulative stream.
	engineMu sync.Mutex
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithMetrics records engine call latency under the given engine name.
func WithMetrics(met *observe.Metrics, engine string) Option {
	return func(c *Consolidator) {
		c.met = met
		c.engine = engine
	}
}

// New creates a Consolidator over the given stream. sem may be nil to leave
// inference concurrency unbounded; log may be nil for the default logger.
func New(stream asr.Stream, sem *semaphore.Weighted, log *slog.Logger, opts ...Option) *Consolidator {
	if log == nil {
		log = slog.Default()
	}
	c := &Consolidator{stream: stream, sem: sem, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Advance performs one frontier step on b under its exclusive advance
// guard. Calling it on a completed block is a no-op reporting
// StatusComplete. Engine failures return StatusNotReady with the error;
// the caller retries naturally on the next block update.
func (c *Consolidator) Advance(ctx context.Context, b *segment.Block) (Status, error) {
	b.LockAdvance()
	defer b.UnlockAdvance()

	if b.Done() {
		return StatusComplete, nil
	}

	i := b.Frontier()
	_, cond, ok := b.Audio(i)
	if !ok {
		return StatusNotReady, nil
	}
	reset := b.Next(i) == segment.None

	res, err := c.transcribe(ctx, cond, reset)
	if err != nil {
		return StatusNotReady, fmt.Errorf("consolidate: transcribe chunk %d of block %s: %w", i, b.ID(), err)
	}

	// The stream has consumed the chunk's samples now, cumulative context
	// included, so the frontier must move even when the hypothesis is empty.
	// Holding it would re-send the same audio on the next update.
	b.SetHypothesis(i, res.Text)
	if res.Final {
		reconcile(b, i, res.Text)
	}

	if b.AdvanceFrontier() {
		c.log.Debug("block consolidated", "block", b.ID(), "chunks", b.Len())
		return StatusComplete, nil
	}
	return StatusAdvanced, nil
}

// transcribe runs the engine call under the stream mutex and, when
// configured, the global inference semaphore.
func (c *Consolidator) transcribe(ctx context.Context, cond []float32, reset bool) (asr.Result, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return asr.Result{}, err
		}
		defer c.sem.Release(1)
	}
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	start := time.Now()
	res, err := c.stream.Transcribe(ctx, cond, reset)
	if c.met != nil {
		c.met.TranscribeDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("engine", c.engine)))
	}
	return res, err
}

// reconcile commits stable text after a final hypothesis at chunk i. It
// walks backward from i: at each step the words of the current working text
// beyond the longest common word prefix with the predecessor's recorded
// hypothesis become the visited chunk's committed text, and the working text
// shrinks to that prefix. The walk stops at the chain head, which absorbs
// the remaining working text, or at the first settled predecessor, whose
// matched prefix is discarded because it was already attributed upstream.
func reconcile(b *segment.Block, i int, text string) {
	curr := strings.Fields(text)
	node := i
	for {
		p := b.Prev(node)
		if p == segment.None {
			b.Commit(node, strings.Join(curr, " "))
			return
		}
		prev := strings.Fields(b.Hypothesis(p))
		k := 0
		for k < len(prev) && k < len(curr) && prev[k] == curr[k] {
			k++
		}
		b.Commit(node, strings.Join(curr[k:], " "))
		if _, settled := b.Committed(p); settled {
			return
		}
		curr = curr[:k]
		node = p
	}
}
