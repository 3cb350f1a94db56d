package postprocess_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voxsub/voxsub/internal/postprocess"
	llmmock "github.com/voxsub/voxsub/pkg/llm/mock"
)

func TestNormalizeCollapsesStutters(t *testing.T) {
	n := postprocess.NewNormalizer()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact repeat", "hello hello world", "hello world"},
		{"fragment repeat", "he hello there", "hello there"},
		{"case-insensitive repeat", "Hello hello world", "hello world"},
		{"triple repeat", "no no no way", "no way"},
		{"whitespace", "  a   lot   of   space  ", "a lot of space"},
		{"near duplicate", "tomorow tomorrow works", "tomorrow works"},
		{"distinct words kept", "the weather is nice", "the weather is nice"},
		{"short words kept", "is it on or in", "is it on or in"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChainWithCaptioner(t *testing.T) {
	provider := &llmmock.Provider{Responses: []string{
		`{"text": "Hello there. How are you?", "sentences": [` +
			`{"text": "Hello there.", "emotion": "happy"},` +
			`{"text": "How are you?", "emotion": "neutral"}]}`,
	}}
	chain := postprocess.NewChain(nil, postprocess.NewCaptioner(provider), nil)

	got := chain.Process(context.Background(), postprocess.Utterance{
		BlockID: "b1",
		Text:    "hello hello there how are you",
	})
	if got.Display != "Hello there. How are you?" {
		t.Errorf("display = %q", got.Display)
	}
	if len(got.Sentences) != 2 || got.Sentences[0].Emotion != "happy" {
		t.Errorf("sentences = %+v", got.Sentences)
	}

	// The prompt carries the normalized text, not the raw stutter.
	reqs := provider.Requests()
	if len(reqs) != 1 || reqs[0].Prompt != "hello there how are you" {
		t.Errorf("prompt = %+v", reqs)
	}
}

func TestChainFallsBackOnCaptionerError(t *testing.T) {
	provider := &llmmock.Provider{Err: errors.New("model offline")}
	chain := postprocess.NewChain(nil, postprocess.NewCaptioner(provider), nil)

	got := chain.Process(context.Background(), postprocess.Utterance{Text: "plain words"})
	if got.Display != "plain words" {
		t.Errorf("display = %q, want normalized input", got.Display)
	}
	if len(got.Sentences) != 1 || got.Sentences[0].Text != "plain words" || got.Sentences[0].Emotion != "" {
		t.Errorf("sentences = %+v", got.Sentences)
	}
}

func TestChainFallsBackOnMalformedReply(t *testing.T) {
	provider := &llmmock.Provider{Responses: []string{"Sure! Here is the caption:"}}
	chain := postprocess.NewChain(nil, postprocess.NewCaptioner(provider), nil)

	got := chain.Process(context.Background(), postprocess.Utterance{Text: "hello world"})
	if got.Display != "hello world" {
		t.Errorf("display = %q, want raw text fallback", got.Display)
	}
}

func TestChainHandlesFencedReply(t *testing.T) {
	provider := &llmmock.Provider{Responses: []string{
		"```json\n{\"text\": \"Okay.\", \"sentences\": [{\"text\": \"Okay.\", \"emotion\": \"neutral\"}]}\n```",
	}}
	chain := postprocess.NewChain(nil, postprocess.NewCaptioner(provider), nil)

	got := chain.Process(context.Background(), postprocess.Utterance{Text: "okay"})
	if got.Display != "Okay." {
		t.Errorf("display = %q", got.Display)
	}
}

func TestChainWithoutCaptioner(t *testing.T) {
	chain := postprocess.NewChain(postprocess.NewNormalizer(), nil, nil)

	got := chain.Process(context.Background(), postprocess.Utterance{Text: "just just checking"})
	if got.Display != "just checking" {
		t.Errorf("display = %q", got.Display)
	}
	if len(got.Sentences) != 1 {
		t.Errorf("sentences = %+v", got.Sentences)
	}
}

func TestEmptyUtteranceShortCircuits(t *testing.T) {
	provider := &llmmock.Provider{}
	chain := postprocess.NewChain(nil, postprocess.NewCaptioner(provider), nil)

	got := chain.Process(context.Background(), postprocess.Utterance{Text: "   "})
	if got.Display != "" || len(got.Sentences) != 0 {
		t.Errorf("caption = %+v", got)
	}
	if len(provider.Requests()) != 0 {
		t.Error("captioner called for empty utterance")
	}
}
