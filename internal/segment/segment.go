package segment

import (
	"log/slog"
	"sync"
	"time"
)

// Conditioner is the per-frame signal conditioning and voice-activity
// decision consumed by the segmenter. internal/dsp provides the production
// implementation.
type Conditioner interface {
	Condition(frame []int16) (conditioned []float32, speech bool)
}

// Update is emitted whenever a block gains a newly available chunk.
// Complete marks the update that carried the block's terminal chunk; the
// block emits exactly one complete update, always last.
type Update struct {
	Block    *Block
	Complete bool
}

// Config holds the segmenter's tunable parameters.
type Config struct {
	// SampleRate of the incoming PCM stream in Hz.
	SampleRate int

	// FrameDuration is the length of one VAD frame. Default 100ms.
	FrameDuration time.Duration

	// SilenceFrames is the number of consecutive non-speech frames that
	// closes an open block. Default 10.
	SilenceFrames int

	// MaxBlockDuration bounds how much audio a single block may accumulate
	// before it is force-closed and a fresh block opened in its place.
	// Zero disables the bound.
	MaxBlockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 100 * time.Millisecond
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 10
	}
	return c
}

// Segmenter owns the accumulation buffer for one speaker's stream and turns
// it into a sequence of block updates. It is safe for concurrent ingestion,
// though appends for one stream normally arrive from a single goroutine.
//
// The buffer invariant throughout: while a block is open, the buffer's first
// sample is the first sample of the block's open chunk.
type Segmenter struct {
	cfg      Config
	cond     Conditioner
	emit     func(Update)
	log      *slog.Logger
	frameLen int

	mu sync.Mutex
	// raw is the accumulation buffer; cond mirrors its conditioned prefix.
	// conditioned counts how many leading samples of raw have been through
	// the Conditioner (always frame-aligned).
	raw         []int16
	condBuf     []float32
	conditioned int

	speaking     bool
	silentRun    int
	block        *Block
	blockSamples int
}

// New creates a Segmenter. emit is invoked synchronously during ingestion,
// once per block update; it must not call back into the Segmenter.
func New(cfg Config, cond Conditioner, emit func(Update), log *slog.Logger) *Segmenter {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Segmenter{
		cfg:      cfg,
		cond:     cond,
		emit:     emit,
		log:      log,
		frameLen: int(cfg.FrameDuration * time.Duration(cfg.SampleRate) / time.Second),
	}
}

// Ingest appends samples to the accumulation buffer and runs the hysteresis
// state machine over every complete frame. Updates are emitted before Ingest
// returns; audio shorter than one frame stays buffered for the next call.
func (s *Segmenter) Ingest(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw = append(s.raw, samples...)

	for s.conditioned+s.frameLen <= len(s.raw) {
		frame := s.raw[s.conditioned : s.conditioned+s.frameLen]
		cf, speech := s.cond.Condition(frame)
		s.condBuf = append(s.condBuf, cf...)
		s.conditioned += s.frameLen
		s.step(speech)
	}

	s.maybeFlush()
}

// Close finalizes the stream. Any open block is closed with whatever audio
// has accumulated, emitting its complete update. The segmenter may be
// reused afterwards; it restarts in the silent state.
func (s *Segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.speaking {
		s.closeBlock(s.conditioned, len(s.raw))
	}
	s.raw = nil
	s.condBuf = nil
	s.conditioned = 0
	s.silentRun = 0
}

// step advances the state machine by one frame decision. Called with s.mu
// held, after the frame has been conditioned into the buffers.
func (s *Segmenter) step(speech bool) {
	if !s.speaking {
		if !speech {
			// Drop processed silence so an idle stream never grows the buffer.
			s.trim(s.conditioned)
			return
		}
		// Silence to speech: open a block whose first chunk starts at the
		// frame that tripped the transition.
		s.trim(s.conditioned - s.frameLen)
		s.block = newBlock()
		s.speaking = true
		s.silentRun = 0
		s.blockSamples = s.frameLen
		s.log.Debug("block opened", "block", s.block.ID())
		return
	}

	s.blockSamples += s.frameLen
	if speech {
		s.silentRun = 0
	} else {
		s.silentRun++
		if s.silentRun >= s.cfg.SilenceFrames {
			// Sustained silence: the block ends where the silence run began.
			cut := s.conditioned - s.silentRun*s.frameLen
			if cut < 0 {
				cut = 0
			}
			s.closeBlock(cut, s.conditioned)
			return
		}
	}

	if limit := s.cfg.MaxBlockDuration; limit > 0 {
		if time.Duration(s.blockSamples)*time.Second/time.Duration(s.cfg.SampleRate) >= limit {
			s.forceRotate()
		}
	}
}

// closeBlock assigns raw[:cut] to the open chunk as the terminal span, emits
// the complete update, and retains only the audio past dropTo as the new
// buffer. Called with s.mu held.
func (s *Segmenter) closeBlock(cut, dropTo int) {
	b := s.block
	b.closeChunk(cloneInt16(s.raw[:cut]), cloneFloat32(s.condBuf[:cut]))
	s.trim(dropTo)
	s.block = nil
	s.speaking = false
	s.silentRun = 0
	s.log.Debug("block closed", "block", b.ID(), "chunks", b.Len())
	s.emit(Update{Block: b, Complete: true})
}

// forceRotate closes an over-long block at the current conditioned boundary
// and immediately opens a fresh one, staying in the speaking state. The
// partial silence run, if any, carries over to the new block.
func (s *Segmenter) forceRotate() {
	b := s.block
	run := s.silentRun
	b.closeChunk(cloneInt16(s.raw[:s.conditioned]), cloneFloat32(s.condBuf[:s.conditioned]))
	s.trim(s.conditioned)
	s.log.Warn("block force-closed at max duration", "block", b.ID(), "chunks", b.Len())
	s.emit(Update{Block: b, Complete: true})

	s.block = newBlock()
	s.speaking = true
	s.silentRun = run
	s.blockSamples = 0
	s.log.Debug("block opened", "block", s.block.ID(), "rotated", true)
}

// maybeFlush runs at the end of an ingestion call. If the block is open and
// the most recent frame was speech, the conditioned region is handed to the
// open chunk and a new chunk is linked after it so transcription can start
// before the utterance ends. An unresolved silence tail stays buffered.
// Called with s.mu held.
func (s *Segmenter) maybeFlush() {
	if !s.speaking || s.silentRun != 0 || s.conditioned == 0 {
		return
	}
	b := s.block
	b.flushChunk(cloneInt16(s.raw[:s.conditioned]), cloneFloat32(s.condBuf[:s.conditioned]))
	s.trim(s.conditioned)
	s.log.Debug("chunk flushed", "block", b.ID(), "chunks", b.Len())
	s.emit(Update{Block: b, Complete: false})
}

// trim discards the first n samples of the buffer, keeping any conditioned
// remainder aligned. Called with s.mu held.
func (s *Segmenter) trim(n int) {
	s.raw = cloneInt16(s.raw[n:])
	if n < s.conditioned {
		s.condBuf = cloneFloat32(s.condBuf[n:])
		s.conditioned -= n
	} else {
		s.condBuf = s.condBuf[:0]
		s.conditioned = 0
	}
}

func cloneInt16(s []int16) []int16 {
	if len(s) == 0 {
		return nil
	}
	out := make([]int16, len(s))
	copy(out, s)
	return out
}

func cloneFloat32(s []float32) []float32 {
	if len(s) == 0 {
		return nil
	}
	out := make([]float32, len(s))
	copy(out, s)
	return out
}
