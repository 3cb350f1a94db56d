package segment_test

import (
	"testing"
	"time"

	"github.com/voxsub/voxsub/internal/segment"
)

const (
	testRate     = 1000 // 1 kHz keeps frames tiny: 100 samples per frame
	testFrameLen = 100
)

// scriptedConditioner returns its scripted votes in order, then silence.
type scriptedConditioner struct {
	votes []bool
	pos   int
}

func (c *scriptedConditioner) Condition(frame []int16) ([]float32, bool) {
	cond := make([]float32, len(frame))
	for i, s := range frame {
		cond[i] = float32(s) / 32768.0
	}
	speech := false
	if c.pos < len(c.votes) {
		speech = c.votes[c.pos]
	}
	c.pos++
	return cond, speech
}

type recorder struct {
	updates []segment.Update
}

func (r *recorder) emit(u segment.Update) { r.updates = append(r.updates, u) }

func newTestSegmenter(votes []bool, rec *recorder, cfg segment.Config) *segment.Segmenter {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = testRate
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 100 * time.Millisecond
	}
	return segment.New(cfg, &scriptedConditioner{votes: votes}, rec.emit, nil)
}

func frames(n int) []int16 {
	out := make([]int16, n*testFrameLen)
	for i := range out {
		out[i] = int16(i % 100)
	}
	return out
}

func votes(pattern string) []bool {
	out := make([]bool, len(pattern))
	for i, r := range pattern {
		out[i] = r == 's'
	}
	return out
}

func TestSilenceOpensNothing(t *testing.T) {
	rec := &recorder{}
	seg := newTestSegmenter(votes("................................"), rec, segment.Config{})

	for range 4 {
		seg.Ingest(frames(8))
	}
	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates for pure silence, want 0", len(rec.updates))
	}
}

func TestSpeechThenSilenceClosesOnce(t *testing.T) {
	rec := &recorder{}
	// 5 speech frames, then 12 silent ones: one block, closed at the 10th
	// silent frame.
	seg := newTestSegmenter(votes("sssss............"), rec, segment.Config{})
	seg.Ingest(frames(17))

	if len(rec.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(rec.updates))
	}
	u := rec.updates[0]
	if !u.Complete {
		t.Fatal("single update not marked complete")
	}
	raw, cond, ok := u.Block.Audio(0)
	if !ok {
		t.Fatal("terminal chunk has no audio assigned")
	}
	// The trailing silence run is excluded from the block's audio.
	if want := 5 * testFrameLen; len(raw) != want {
		t.Fatalf("block audio = %d samples, want %d", len(raw), want)
	}
	if len(cond) != len(raw) {
		t.Fatalf("conditioned span %d samples, raw %d", len(cond), len(raw))
	}
	if u.Block.Next(0) != segment.None {
		t.Fatal("terminal chunk has a next link")
	}
}

func TestShortSilenceKeepsBlockOpen(t *testing.T) {
	rec := &recorder{}
	// 9 silent frames (one short of the threshold), then speech resumes.
	seg := newTestSegmenter(votes("sss.........sssss"), rec, segment.Config{})
	seg.Ingest(frames(17))

	for _, u := range rec.updates {
		if u.Complete {
			t.Fatal("block completed despite silence run below threshold")
		}
	}
	if len(rec.updates) == 0 {
		t.Fatal("no flush emitted for resumed speech")
	}
}

func TestMidUtteranceFlushGrowsChain(t *testing.T) {
	rec := &recorder{}
	seg := newTestSegmenter(votes("ssssssssssssssssssssssss"), rec, segment.Config{})

	// Three ingestion calls ending on speech frames: each flushes a chunk.
	seg.Ingest(frames(4))
	seg.Ingest(frames(4))
	seg.Ingest(frames(4))

	if len(rec.updates) != 3 {
		t.Fatalf("got %d updates, want 3 flushes", len(rec.updates))
	}
	b := rec.updates[0].Block
	for _, u := range rec.updates {
		if u.Block != b {
			t.Fatal("flushes spread across blocks")
		}
		if u.Complete {
			t.Fatal("flush update marked complete")
		}
	}
	// 3 assigned chunks plus the open one.
	if got := b.Len(); got != 4 {
		t.Fatalf("chain length = %d, want 4", got)
	}
	assertChainOrdered(t, b)
}

func TestAmbiguousTailEmitsNothing(t *testing.T) {
	rec := &recorder{}
	// Ingestion ends mid-way through an unresolved silence run.
	seg := newTestSegmenter(votes("ssss...."), rec, segment.Config{})
	seg.Ingest(frames(8))

	if len(rec.updates) != 0 {
		t.Fatalf("got %d updates for ambiguous tail, want 0", len(rec.updates))
	}

	// The buffered tail resolves on the next call.
	seg.Ingest(frames(8))
	if len(rec.updates) != 1 || !rec.updates[0].Complete {
		t.Fatalf("silence continuation did not close the block: %+v", rec.updates)
	}
}

func TestSubFrameAppendsAccumulate(t *testing.T) {
	rec := &recorder{}
	seg := newTestSegmenter(votes("ss"), rec, segment.Config{})

	// 40-sample appends: frames only complete once enough accumulate, so
	// flushes happen on the calls that finish a frame (at 120 and 200
	// samples in).
	chunk := frames(2)
	for i := 0; i < len(chunk); i += 40 {
		end := i + 40
		if end > len(chunk) {
			end = len(chunk)
		}
		seg.Ingest(chunk[i:end])
	}
	if len(rec.updates) != 2 {
		t.Fatalf("got %d updates, want 2 flushes", len(rec.updates))
	}
}

func TestMaxDurationForcesRotation(t *testing.T) {
	rec := &recorder{}
	cfg := segment.Config{MaxBlockDuration: 500 * time.Millisecond}
	seg := newTestSegmenter(votes("ssssssssssssssssssss"), rec, cfg)
	seg.Ingest(frames(12))

	var completes int
	for _, u := range rec.updates {
		if u.Complete {
			completes++
		}
	}
	if completes != 2 {
		t.Fatalf("got %d force-closes over 1.2s at a 0.5s cap, want 2", completes)
	}
	last := rec.updates[len(rec.updates)-1]
	if last.Complete {
		t.Fatal("rotation did not leave a fresh open block flushing")
	}
}

func TestCloseFinalizesOpenBlock(t *testing.T) {
	rec := &recorder{}
	seg := newTestSegmenter(votes("ssss"), rec, segment.Config{})
	seg.Ingest(frames(4))
	seg.Close()

	var completes int
	for _, u := range rec.updates {
		if u.Complete {
			completes++
		}
	}
	if completes != 1 {
		t.Fatalf("got %d complete updates after Close, want 1", completes)
	}
}

func TestHarvestJoinsCommittedTexts(t *testing.T) {
	rec := &recorder{}
	seg := newTestSegmenter(votes("ssssssss"), rec, segment.Config{})
	seg.Ingest(frames(3))
	seg.Ingest(frames(3))
	seg.Close()

	b := rec.updates[0].Block
	b.Commit(0, "hello")
	b.Commit(1, "world")
	b.Commit(2, "")

	full, texts, audio := b.Harvest()
	if full != "hello world" {
		t.Fatalf("full text = %q, want %q", full, "hello world")
	}
	if len(texts) != 2 || len(audio) != 2 {
		t.Fatalf("harvest kept %d texts and %d spans, want 2 each", len(texts), len(audio))
	}
}

func TestDoubleCommitPanics(t *testing.T) {
	rec := &recorder{}
	seg := newTestSegmenter(votes("ss..........."), rec, segment.Config{})
	seg.Ingest(frames(13))

	b := rec.updates[0].Block
	b.Commit(0, "once")
	defer func() {
		if recover() == nil {
			t.Fatal("second commit did not panic")
		}
	}()
	b.Commit(0, "twice")
}

func assertChainOrdered(t *testing.T, b *segment.Block) {
	t.Helper()
	seen := 0
	for i := 0; i != segment.None; i = b.Next(i) {
		if n := b.Next(i); n != segment.None && b.Prev(n) != i {
			t.Fatalf("chain link broken at chunk %d", i)
		}
		seen++
	}
	if seen != b.Len() {
		t.Fatalf("walked %d chunks via next links, arena has %d", seen, b.Len())
	}
}
