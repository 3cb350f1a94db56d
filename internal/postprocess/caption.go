package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxsub/voxsub/pkg/llm"
)

const captionSystemPrompt = `You format raw speech-to-text transcripts into chat captions.
Given one transcript, restore punctuation and capitalization, split the result into sentences, and classify the emotion of each sentence as one of: neutral, happy, sad, angry, surprised.
Do not add, remove, or reorder words beyond punctuation and casing.
Respond with JSON only, no prose and no code fences, in the shape:
{"text": "<full formatted text>", "sentences": [{"text": "<sentence>", "emotion": "<emotion>"}]}`

// Captioner formats an utterance through a language model: punctuation
// restoration, sentence splitting, and per-sentence emotion tags.
type Captioner struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

// CaptionerOption is a functional option for configuring a [Captioner].
type CaptionerOption func(*Captioner)

// WithTemperature sets the sampling temperature. Default 0 (provider default).
func WithTemperature(t float64) CaptionerOption {
	return func(c *Captioner) { c.temperature = t }
}

// WithMaxTokens caps the completion length. Default 1024.
func WithMaxTokens(n int) CaptionerOption {
	return func(c *Captioner) { c.maxTokens = n }
}

// NewCaptioner creates a Captioner over the given provider.
func NewCaptioner(provider llm.Provider, opts ...CaptionerOption) *Captioner {
	c := &Captioner{provider: provider, maxTokens: 1024}
	for _, o := range opts {
		o(c)
	}
	return c
}

// captionReply is the model's expected JSON shape.
type captionReply struct {
	Text      string     `json:"text"`
	Sentences []Sentence `json:"sentences"`
}

// Caption enriches base with formatted text and sentence annotations. The
// input caption is not modified.
func (c *Captioner) Caption(ctx context.Context, base Caption) (*Caption, error) {
	resp, err := c.provider.Complete(ctx, llm.Request{
		SystemPrompt: captionSystemPrompt,
		Prompt:       base.Display,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("postprocess: caption completion: %w", err)
	}

	var reply captionReply
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &reply); err != nil {
		return nil, fmt.Errorf("postprocess: decode caption reply: %w", err)
	}
	if strings.TrimSpace(reply.Text) == "" {
		return nil, fmt.Errorf("postprocess: caption reply has empty text")
	}

	out := base
	out.Display = strings.TrimSpace(reply.Text)
	out.Sentences = reply.Sentences
	if len(out.Sentences) == 0 {
		out.Sentences = []Sentence{{Text: out.Display}}
	}
	return &out, nil
}

// stripFences removes a surrounding markdown code fence, which some models
// emit despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
