// Package segment slices a continuous mono PCM stream into speech
// utterances. A [Block] represents one utterance and owns an ordered chain
// of [Chunk] sub-spans; the [Segmenter] drives the voice-activity hysteresis
// that opens, grows, and closes blocks.
package segment

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// None marks the absence of a neighbouring chunk in a block's chain.
const None = -1

// chunk is one contiguous sub-span of an utterance. Chunks live in their
// block's arena and reference neighbours by index so the chain can be walked
// in both directions without pointer cycles.
type chunk struct {
	raw  []int16
	cond []float32

	// assigned flips when the segmenter hands the chunk its audio span. An
	// assigned span may legitimately be empty: a terminal chunk created
	// right after a flush carries no new samples but still signals the
	// engine to finalize.
	assigned bool

	// hypothesis is the latest full-history engine text observed while this
	// chunk was the frontier.
	hypothesis string

	// committed is written exactly once, by the reconciliation walk that
	// settles this chunk.
	committed string
	settled   bool

	prev, next int
}

// Block is one continuous speech utterance under construction or
// consolidation. The segmenter appends chunks while consolidation reads the
// chain concurrently; all chain state is guarded by an internal mutex. A
// separate advance guard serializes frontier advances so at most one is in
// flight per block.
type Block struct {
	id       string
	openedAt time.Time

	// advMu is the exclusive advance guard. Held for the full duration of a
	// frontier advance, including the engine call.
	advMu sync.Mutex

	// mu guards the arena, links, frontier, and text fields.
	mu       sync.Mutex
	chunks   []chunk
	frontier int
	done     bool
}

func newBlock() *Block {
	b := &Block{
		id:       uuid.NewString(),
		openedAt: time.Now(),
	}
	b.chunks = append(b.chunks, chunk{prev: None, next: None})
	return b
}

// ID returns the block's unique identifier.
func (b *Block) ID() string { return b.id }

// OpenedAt returns when the segmenter opened the block.
func (b *Block) OpenedAt() time.Time { return b.openedAt }

// LockAdvance acquires the exclusive advance guard. Every frontier advance
// must run between LockAdvance and UnlockAdvance.
func (b *Block) LockAdvance() { b.advMu.Lock() }

// UnlockAdvance releases the advance guard.
func (b *Block) UnlockAdvance() { b.advMu.Unlock() }

// Frontier returns the index of the oldest chunk not yet fully processed.
func (b *Block) Frontier() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frontier
}

// Len returns the number of chunks in the chain.
func (b *Block) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Next returns the index of the chunk after i, or [None].
func (b *Block) Next(i int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.at(i).next
}

// Prev returns the index of the chunk before i, or [None].
func (b *Block) Prev(i int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.at(i).prev
}

// Audio returns chunk i's raw and conditioned spans. ok reports whether the
// segmenter has assigned the span yet; an assigned span may be empty. The
// returned slices are read-only once assigned.
func (b *Block) Audio(i int) (raw []int16, cond []float32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.at(i)
	return c.raw, c.cond, c.assigned
}

// SetHypothesis records the latest engine text observed for chunk i.
func (b *Block) SetHypothesis(i int, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.at(i).hypothesis = text
}

// Hypothesis returns the latest engine text recorded for chunk i.
func (b *Block) Hypothesis(i int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.at(i).hypothesis
}

// Commit settles chunk i's final text. Each chunk is committed exactly once;
// a second commit indicates chain corruption and panics.
func (b *Block) Commit(i int, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.at(i)
	if c.settled {
		panic(fmt.Sprintf("segment: chunk %d of block %s committed twice", i, b.id))
	}
	c.committed = text
	c.settled = true
}

// Committed returns chunk i's settled text and whether it has been settled.
func (b *Block) Committed(i int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.at(i)
	return c.committed, c.settled
}

// AdvanceFrontier moves the frontier past the chunk it currently points at.
// It reports whether the block is now complete, which happens when that
// chunk was terminal. Completion is sticky: further calls keep reporting
// complete without moving anything.
func (b *Block) AdvanceFrontier() (complete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return true
	}
	next := b.at(b.frontier).next
	if next == None {
		b.done = true
		return true
	}
	b.frontier = next
	return false
}

// Done reports whether the frontier has passed the terminal chunk.
func (b *Block) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Harvest walks the chain front to back and gathers the committed per-chunk
// texts with their raw audio spans, skipping chunks whose committed text is
// empty. full is the single-space join of the kept texts.
func (b *Block) Harvest() (full string, texts []string, audio [][]int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i != None; i = b.chunks[i].next {
		c := &b.chunks[i]
		if !c.settled || c.committed == "" {
			continue
		}
		if full != "" {
			full += " "
		}
		full += c.committed
		texts = append(texts, c.committed)
		audio = append(audio, c.raw)
	}
	return full, texts, audio
}

// Duration returns the total assigned audio length at the given sample rate.
func (b *Block) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var samples int
	for i := range b.chunks {
		samples += len(b.chunks[i].raw)
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// openEnd returns the index of the chunk with no next link.
func (b *Block) openEnd() int {
	return len(b.chunks) - 1
}

// flushChunk assigns the buffered audio to the open chunk and links a fresh
// empty chunk after it, extending the chain mid-utterance.
func (b *Block) flushChunk(raw []int16, cond []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	open := b.openEnd()
	c := &b.chunks[open]
	c.raw, c.cond = raw, cond
	c.assigned = true
	c.next = open + 1
	b.chunks = append(b.chunks, chunk{prev: open, next: None})
}

// closeChunk assigns the final audio span to the open chunk, making it the
// block's permanent terminal chunk.
func (b *Block) closeChunk(raw []int16, cond []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &b.chunks[b.openEnd()]
	c.raw, c.cond = raw, cond
	c.assigned = true
}

func (b *Block) at(i int) *chunk {
	if i < 0 || i >= len(b.chunks) {
		panic(fmt.Sprintf("segment: chunk index %d out of range for block %s (%d chunks)", i, b.id, len(b.chunks)))
	}
	return &b.chunks[i]
}
