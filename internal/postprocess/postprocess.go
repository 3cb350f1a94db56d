// Package postprocess turns consolidated utterance text into display-ready
// captions: stutter normalization, punctuation restoration, sentence
// splitting, and per-sentence emotion tagging.
//
// The pipeline degrades gracefully. The language-model captioner is optional
// and guarded by a circuit breaker; when it is absent, open, or failing, the
// normalized text ships as a single plain sentence. Post-processing failures
// never propagate upstream into segmentation state.
package postprocess

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxsub/voxsub/internal/resilience"
)

// Utterance is one completed speech block as harvested from consolidation.
type Utterance struct {
	Room    string
	Speaker string
	BlockID string

	// Text is the committed per-chunk texts joined with single spaces.
	Text string

	// ChunkTexts are the per-chunk committed texts in chain order.
	ChunkTexts []string

	// Audio holds the per-chunk raw PCM spans in chain order.
	Audio [][]int16

	SampleRate int
	Start      time.Time
}

// Sentence is one display sentence of a caption. Emotion is empty when the
// captioner did not run.
type Sentence struct {
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
}

// Caption is the display-ready result for one utterance.
type Caption struct {
	Utterance

	// Display is the final formatted text.
	Display string

	// Sentences is the sentence-level breakdown of Display.
	Sentences []Sentence
}

// Chain runs the full post-processing pipeline for one utterance.
type Chain struct {
	normalizer *Normalizer
	captioner  *Captioner
	breaker    *resilience.Breaker
	log        *slog.Logger
}

// NewChain builds a Chain. captioner may be nil to run normalization only;
// log may be nil for the default logger.
func NewChain(normalizer *Normalizer, captioner *Captioner, log *slog.Logger) *Chain {
	if normalizer == nil {
		normalizer = NewNormalizer()
	}
	if log == nil {
		log = slog.Default()
	}
	var breaker *resilience.Breaker
	if captioner != nil {
		breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "captioner"})
	}
	return &Chain{
		normalizer: normalizer,
		captioner:  captioner,
		breaker:    breaker,
		log:        log,
	}
}

// Process produces the caption for u. It always succeeds: captioner
// failures fall back to the normalized text as one unannotated sentence.
func (c *Chain) Process(ctx context.Context, u Utterance) Caption {
	normalized := c.normalizer.Normalize(u.Text)
	caption := Caption{
		Utterance: u,
		Display:   normalized,
	}
	if normalized == "" {
		return caption
	}

	if c.captioner != nil {
		var enriched *Caption
		err := c.breaker.Execute(func() error {
			e, err := c.captioner.Caption(ctx, caption)
			if err != nil {
				return err
			}
			enriched = e
			return nil
		})
		if err == nil {
			return *enriched
		}
		if !errors.Is(err, resilience.ErrOpen) {
			c.log.Warn("captioner failed, using normalized text",
				"block", u.BlockID, "error", err)
		}
	}

	caption.Sentences = []Sentence{{Text: normalized}}
	return caption
}
