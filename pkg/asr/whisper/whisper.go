// Package whisper implements asr.Engine on the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// whisper.cpp is not itself a streaming recognizer, so the cumulative
// contract is realized by re-decoding: each stream accumulates every sample
// heard since its last reset and runs inference over the whole span on every
// call. Hypotheses are therefore always full-history, and always final on
// success. Spans shorter than the model's minimum never touch the model:
// they yield an empty result, final only when the call carried a reset.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxsub/voxsub/pkg/asr"
)

// Compile-time assertions.
var _ asr.Engine = (*Engine)(nil)
var _ asr.Stream = (*stream)(nil)

const (
	defaultLanguage = "en"

	// minSamples is half a second at 16 kHz, below which whisper.cpp
	// produces garbage or errors.
	minSamples = 8000
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// Engine loads a whisper.cpp model once and shares it across streams. Each
// inference uses a fresh context, so streams can run concurrently.
type Engine struct {
	model    whisperlib.Model
	language string
}

// New loads the whisper.cpp model from modelPath. The caller must Close the
// engine when done.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	e := &Engine{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewStream implements asr.Engine.
func (e *Engine) NewStream(_ context.Context) (asr.Stream, error) {
	return &stream{engine: e}, nil
}

// Close releases the model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

type stream struct {
	engine *Engine

	mu      sync.Mutex
	history []float32
}

// Transcribe implements asr.Stream.
func (s *stream) Transcribe(ctx context.Context, samples []float32, reset bool) (asr.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, samples...)
	span := s.history
	if reset {
		s.history = nil
	}

	if len(span) < minSamples {
		// A reset call must still report final so the terminal chunk
		// settles and the utterance completes, text or no text.
		return asr.Result{Final: reset}, nil
	}
	if err := ctx.Err(); err != nil {
		return asr.Result{}, err
	}

	text, err := s.infer(span)
	if err != nil {
		return asr.Result{}, err
	}
	return asr.Result{Text: text, Final: true}, nil
}

// Close implements asr.Stream.
func (s *stream) Close() error {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
	return nil
}

// infer runs whisper.cpp over the span with a fresh context. Contexts are
// not thread-safe but the shared model is.
func (s *stream) infer(span []float32) (string, error) {
	wctx, err := s.engine.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(s.engine.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", s.engine.language, err)
	}
	if err := wctx.Process(span, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
