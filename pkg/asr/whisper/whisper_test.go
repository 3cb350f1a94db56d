package whisper

import (
	"context"
	"testing"
)

// Short spans never reach the model, so these tests exercise the stream's
// accumulation and reset bookkeeping without a loaded model.

func TestShortSpanAccumulates(t *testing.T) {
	s := &stream{}
	res, err := s.Transcribe(context.Background(), make([]float32, 100), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Final || res.Text != "" {
		t.Fatalf("short span result = %+v, want empty non-final", res)
	}
	if len(s.history) != 100 {
		t.Fatalf("history holds %d samples, want 100", len(s.history))
	}
}

func TestShortSpanResetIsFinal(t *testing.T) {
	s := &stream{}
	ctx := context.Background()
	if _, err := s.Transcribe(ctx, make([]float32, 100), false); err != nil {
		t.Fatal(err)
	}

	res, err := s.Transcribe(ctx, make([]float32, 50), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Final {
		t.Fatal("reset below the decode minimum not final, utterance would never settle")
	}
	if res.Text != "" {
		t.Fatalf("reset below the decode minimum returned text %q", res.Text)
	}
	if s.history != nil {
		t.Fatal("history survived the reset")
	}
}

func TestCloseClearsHistory(t *testing.T) {
	s := &stream{}
	if _, err := s.Transcribe(context.Background(), make([]float32, 100), false); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.history != nil {
		t.Fatal("history survived Close")
	}
}
