// Package mock provides a scriptable voiceprint.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxmirror/voxmirror/pkg/provider/voiceprint"
)

// Compile-time assertion that Provider satisfies voiceprint.Provider.
var _ voiceprint.Provider = (*Provider)(nil)

// Provider is a test double. Script behaviour via EmbedFunc, or leave it nil
// to get a deterministic vector derived from the audio length.
type Provider struct {
	// EmbedFunc, if set, is called for every Embed request.
	EmbedFunc func(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error)

	// Dims is the reported dimensionality. Defaults to 4 when zero.
	Dims int

	mu    sync.Mutex
	calls int
}

// Embed implements voiceprint.Provider.
func (p *Provider) Embed(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, pcm, sampleRate)
	}
	vec := make([]float32, p.Dimensions())
	vec[len(pcm)%len(vec)] = 1
	return vec, nil
}

// Calls returns how many Embed requests the mock has seen.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Dimensions implements voiceprint.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims <= 0 {
		return 4
	}
	return p.Dims
}

// ModelID implements voiceprint.Provider.
func (p *Provider) ModelID() string { return "mock" }
