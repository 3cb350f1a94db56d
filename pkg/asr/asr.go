// Package asr defines the streaming transcription engine contract used by
// the consolidation layer. Engines are stateful and cumulative: successive
// Transcribe calls on one [Stream] accumulate acoustic context, and each
// returned hypothesis covers everything heard since the last reset, not just
// the samples of the current call.
package asr

import "context"

// Result is one transcription hypothesis.
type Result struct {
	// Text is the engine's best full-history hypothesis since the last
	// reset. Later calls may revise earlier words.
	Text string

	// Final reports that the engine has committed to Text as stable for
	// this call, as opposed to a provisional partial.
	Final bool
}

// Stream is one speaker's live recognizer session. Implementations need not
// be safe for concurrent use; callers serialize access per stream.
type Stream interface {
	// Transcribe appends samples (mono float32, engine sample rate) to the
	// stream's accumulated context and returns the current hypothesis.
	// reset=true instructs the engine to finalize the hypothesis and clear
	// its internal state so the next call starts clean; a reset call always
	// reports a final Result, even when its text is empty. Short or empty
	// input is not an error: without a reset the engine returns a
	// non-final, possibly empty Result.
	Transcribe(ctx context.Context, samples []float32, reset bool) (Result, error)

	// Close releases the session.
	Close() error
}

// Engine creates recognizer streams from a shared loaded model or backend
// connection. Engines are safe for concurrent use.
type Engine interface {
	NewStream(ctx context.Context) (Stream, error)
	Close() error
}
