// Package mock provides a scriptable synthesis.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
)

// Compile-time assertion that Provider satisfies synthesis.Provider.
var _ synthesis.Provider = (*Provider)(nil)

// Provider is a test double. Script behaviour via SynthesizeFunc, or leave
// it nil to get a fixed-size PCM buffer back. Latency, if non-zero, is slept
// (subject to ctx) before responding.
type Provider struct {
	SynthesizeFunc func(ctx context.Context, req synthesis.Request) (*synthesis.Result, error)
	CloneFunc      func(ctx context.Context, name string, samples [][]byte) (*synthesis.Voice, error)
	Voices         []synthesis.Voice
	Latency        time.Duration

	mu     sync.Mutex
	calls  int
	clones int
}

// Synthesize implements synthesis.Provider.
func (p *Provider) Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.Latency > 0 {
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.SynthesizeFunc != nil {
		return p.SynthesizeFunc(ctx, req)
	}
	return &synthesis.Result{PCM: make([]byte, 320), SampleRate: 16000}, nil
}

// CloneVoice implements synthesis.Provider.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples [][]byte) (*synthesis.Voice, error) {
	p.mu.Lock()
	p.clones++
	n := p.clones
	p.mu.Unlock()

	if p.CloneFunc != nil {
		return p.CloneFunc(ctx, name, samples)
	}
	if len(samples) == 0 {
		return nil, synthesis.NewPermanentError("clone voice", fmt.Errorf("no samples"))
	}
	return &synthesis.Voice{
		ID:       fmt.Sprintf("mock-voice-%d", n),
		Name:     name,
		Provider: "mock",
	}, nil
}

// ListVoices implements synthesis.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]synthesis.Voice, error) {
	return p.Voices, nil
}

// Calls returns how many Synthesize requests the mock has seen.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
