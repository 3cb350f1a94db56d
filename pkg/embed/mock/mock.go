// Package mock provides a deterministic embed.Provider for tests. Vectors
// are derived from an FNV hash of the input, so equal texts always embed
// equally without any network dependency.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/voxsub/voxsub/pkg/embed"
)

// Compile-time assertion.
var _ embed.Provider = (*Provider)(nil)

// Provider produces deterministic pseudo-embeddings. The zero value uses 8
// dimensions.
type Provider struct {
	// Dim is the vector length. Zero means 8.
	Dim int

	// Err, when set, is returned by every Embed call.
	Err error

	mu    sync.Mutex
	texts []string
}

// Embed implements embed.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	out := make([]float32, p.Dimensions())
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = float32(int32(seed>>33)) / (1 << 31)
	}
	return out, nil
}

// Dimensions implements embed.Provider.
func (p *Provider) Dimensions() int {
	if p.Dim <= 0 {
		return 8
	}
	return p.Dim
}

// Texts returns every text passed to Embed, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}
