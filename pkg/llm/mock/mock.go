// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxsub/voxsub/pkg/llm"
)

// Compile-time assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider returns canned responses and records requests. The zero value
// returns empty responses.
type Provider struct {
	// Responses are returned in order; the last one repeats once exhausted.
	Responses []string

	// Err, when set, is returned by every Complete call.
	Err error

	mu       sync.Mutex
	requests []llm.Request
	pos      int
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Responses) == 0 {
		return &llm.Response{}, nil
	}
	r := p.Responses[p.pos]
	if p.pos < len(p.Responses)-1 {
		p.pos++
	}
	return &llm.Response{Content: r}, nil
}

// Requests returns the recorded requests in order.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}
