package postprocess

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultStutterThreshold = 0.88

// NormalizerOption is a functional option for configuring a [Normalizer].
type NormalizerOption func(*Normalizer)

// WithStutterThreshold sets the minimum Jaro-Winkler score at which two
// adjacent words count as a stutter repeat. Default: 0.88.
func WithStutterThreshold(threshold float64) NormalizerOption {
	return func(n *Normalizer) { n.stutterThreshold = threshold }
}

// Normalizer cleans raw transcript text before display: whitespace is
// collapsed and stutter repeats are folded into a single word. A repeat is
// either an exact duplicate, a phonetic duplicate (matching Double Metaphone
// codes), or a near-duplicate by Jaro-Winkler similarity; a short leading
// fragment of the following word ("he- hello") also folds.
//
// A Normalizer is read-only after construction and safe for concurrent use.
type Normalizer struct {
	stutterThreshold float64
}

// NewNormalizer returns a Normalizer with the supplied options.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{stutterThreshold: defaultStutterThreshold}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize returns the cleaned form of text.
func (n *Normalizer) Normalize(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	kept := words[:0:0]
	for _, w := range words {
		if len(kept) > 0 && n.isStutter(kept[len(kept)-1], w) {
			// Keep the later occurrence: with fragments ("he hello") it is
			// the completed word.
			kept[len(kept)-1] = w
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// isStutter reports whether prev reads as a stutter of next.
func (n *Normalizer) isStutter(prev, next string) bool {
	a := strings.ToLower(prev)
	b := strings.ToLower(next)
	if a == b {
		return true
	}

	// A short fragment completed by the next word, like "wor world".
	if len(a) >= 2 && len(a) < len(b) && strings.HasPrefix(b, a) {
		return true
	}

	// Single letters repeat legitimately ("a a" is rare, but "i i" less so
	// than a false positive on short function words); only longer words get
	// the fuzzy treatment.
	if len(a) < 3 || len(b) < 3 {
		return false
	}

	p1, s1 := matchr.DoubleMetaphone(a)
	p2, s2 := matchr.DoubleMetaphone(b)
	phonetic := p1 != "" && (p1 == p2 || p1 == s2 || (s1 != "" && (s1 == p2 || s1 == s2)))
	if !phonetic {
		return false
	}
	return matchr.JaroWinkler(a, b, false) >= n.stutterThreshold
}
