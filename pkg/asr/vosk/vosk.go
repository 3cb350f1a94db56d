// Package vosk implements asr.Engine against a vosk-server WebSocket
// endpoint. Audio is sent as binary little-endian PCM16 messages; the server
// answers each message with a JSON hypothesis, {"partial": ...} while the
// utterance is in flight and {"text": ...} once it has settled. A reset
// sends the server's eof marker, collects the final hypothesis, and drops
// the connection so the next call starts a clean session.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/voxsub/voxsub/pkg/asr"
	"github.com/voxsub/voxsub/pkg/audio"
)

// Compile-time assertions.
var _ asr.Engine = (*Engine)(nil)
var _ asr.Stream = (*stream)(nil)

const (
	defaultSampleRate  = 16000
	defaultCallTimeout = 30 * time.Second
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithSampleRate sets the PCM sample rate announced to the server.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) { e.sampleRate = rate }
}

// WithCallTimeout bounds each send/receive round trip. Defaults to 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// Engine connects recognizer streams to a vosk-server instance.
type Engine struct {
	url         string
	sampleRate  int
	callTimeout time.Duration
}

// New creates an Engine for the given WebSocket URL, e.g.
// "ws://localhost:2700". No connection is made until a stream transcribes.
func New(url string, opts ...Option) (*Engine, error) {
	if url == "" {
		return nil, errors.New("vosk: url must not be empty")
	}
	e := &Engine{
		url:         url,
		sampleRate:  defaultSampleRate,
		callTimeout: defaultCallTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewStream implements asr.Engine. The stream dials lazily on first use.
func (e *Engine) NewStream(_ context.Context) (asr.Stream, error) {
	return &stream{engine: e}, nil
}

// Close implements asr.Engine.
func (e *Engine) Close() error { return nil }

type stream struct {
	engine *Engine
	conn   *websocket.Conn
}

// hypothesis is the server's per-message reply. Exactly one of the two
// fields is present.
type hypothesis struct {
	Partial *string `json:"partial"`
	Text    *string `json:"text"`
}

// Transcribe implements asr.Stream.
func (s *stream) Transcribe(ctx context.Context, samples []float32, reset bool) (asr.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.engine.callTimeout)
	defer cancel()

	if s.conn == nil {
		if err := s.dial(ctx); err != nil {
			return asr.Result{}, err
		}
	}

	var res asr.Result
	if len(samples) > 0 {
		pcm := audio.EncodePCM16(audio.Float32ToPCM16(samples))
		if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
			s.drop()
			return asr.Result{}, fmt.Errorf("vosk: send audio: %w", err)
		}
		r, err := s.readHypothesis(ctx)
		if err != nil {
			s.drop()
			return asr.Result{}, err
		}
		res = r
	}

	if reset {
		if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"eof" : 1}`)); err != nil {
			s.drop()
			return asr.Result{}, fmt.Errorf("vosk: send eof: %w", err)
		}
		r, err := s.readHypothesis(ctx)
		if err != nil {
			s.drop()
			return asr.Result{}, err
		}
		// The server closes its session after eof; reconnect lazily.
		s.drop()
		r.Final = true
		return r, nil
	}
	return res, nil
}

// Close implements asr.Stream.
func (s *stream) Close() error {
	s.drop()
	return nil
}

func (s *stream) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.engine.url, nil)
	if err != nil {
		return fmt.Errorf("vosk: dial %s: %w", s.engine.url, err)
	}
	cfg := fmt.Sprintf(`{"config": {"sample_rate": %d}}`, s.engine.sampleRate)
	if err := conn.Write(ctx, websocket.MessageText, []byte(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "config failed")
		return fmt.Errorf("vosk: send config: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *stream) readHypothesis(ctx context.Context) (asr.Result, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return asr.Result{}, fmt.Errorf("vosk: read hypothesis: %w", err)
	}
	var h hypothesis
	if err := json.Unmarshal(data, &h); err != nil {
		return asr.Result{}, fmt.Errorf("vosk: decode hypothesis: %w", err)
	}
	switch {
	case h.Text != nil:
		return asr.Result{Text: strings.TrimSpace(*h.Text), Final: true}, nil
	case h.Partial != nil:
		return asr.Result{Text: strings.TrimSpace(*h.Partial)}, nil
	default:
		return asr.Result{}, nil
	}
}

func (s *stream) drop() {
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "")
		s.conn = nil
	}
}
