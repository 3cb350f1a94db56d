// Package mock provides a scripted asr.Engine for tests. Streams replay a
// fixed list of results and record every call they receive, so tests can
// assert on reset placement and sample accounting without a real model.
package mock

import (
	"context"
	"sync"

	"github.com/voxsub/voxsub/pkg/asr"
)

// Compile-time assertions.
var _ asr.Engine = (*Engine)(nil)
var _ asr.Stream = (*Stream)(nil)

// Call records one Transcribe invocation.
type Call struct {
	Samples int
	Reset   bool
}

// Engine hands out streams that replay Script in order.
type Engine struct {
	// Script is copied into every new stream.
	Script []asr.Result

	// Err, when set, is returned by every Transcribe call instead of a
	// scripted result.
	Err error

	mu      sync.Mutex
	streams []*Stream
}

// NewStream implements asr.Engine.
func (e *Engine) NewStream(_ context.Context) (asr.Stream, error) {
	s := &Stream{script: e.Script, err: e.Err}
	e.mu.Lock()
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

// Close implements asr.Engine.
func (e *Engine) Close() error { return nil }

// Streams returns every stream the engine has created.
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

// Stream replays scripted results. Once the script is exhausted the last
// result is repeated; an empty script yields empty results, final only on
// reset calls.
type Stream struct {
	script []asr.Result
	err    error

	mu     sync.Mutex
	calls  []Call
	pos    int
	closed bool
}

// Transcribe implements asr.Stream.
func (s *Stream) Transcribe(_ context.Context, samples []float32, reset bool) (asr.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Samples: len(samples), Reset: reset})
	if s.err != nil {
		return asr.Result{}, s.err
	}
	if len(s.script) == 0 {
		return asr.Result{Final: reset}, nil
	}
	r := s.script[s.pos]
	if s.pos < len(s.script)-1 {
		s.pos++
	}
	return r, nil
}

// Close implements asr.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Calls returns the recorded Transcribe invocations in order.
func (s *Stream) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
