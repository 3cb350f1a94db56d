// Package embed defines the text-embedding provider contract used by the
// transcript archive for similarity search.
package embed

import "context"

// Provider turns text into a dense vector. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the fixed length of vectors this provider produces. The
	// archive schema is migrated against this value.
	Dimensions() int
}
