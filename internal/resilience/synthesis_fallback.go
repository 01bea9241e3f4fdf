package resilience

import (
	"context"

	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
)

// SynthesisFallback implements [synthesis.Provider] with automatic failover
// across multiple synthesis backends. Each backend has its own circuit
// breaker.
//
// Note that a fallback backend will not know the primary's voice IDs; only
// chain backends that share a voice catalogue (e.g., two API keys for the
// same service) or accept that fallback output uses a stock voice.
type SynthesisFallback struct {
	group *FallbackGroup[synthesis.Provider]
}

// Compile-time interface assertion.
var _ synthesis.Provider = (*SynthesisFallback)(nil)

// NewSynthesisFallback creates a [SynthesisFallback] with primary as the
// preferred backend.
func NewSynthesisFallback(primary synthesis.Provider, primaryName string, cfg FallbackConfig) *SynthesisFallback {
	return &SynthesisFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis provider as a fallback.
func (f *SynthesisFallback) AddFallback(name string, provider synthesis.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders against the first healthy provider.
func (f *SynthesisFallback) Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error) {
	return ExecuteWithResult(f.group, func(p synthesis.Provider) (*synthesis.Result, error) {
		return p.Synthesize(ctx, req)
	})
}

// CloneVoice always runs against the primary: a clone created on a fallback
// backend would be unusable once the primary recovers.
func (f *SynthesisFallback) CloneVoice(ctx context.Context, name string, samples [][]byte) (*synthesis.Voice, error) {
	return f.group.backends[0].value.CloneVoice(ctx, name, samples)
}

// ListVoices lists from the first healthy provider.
func (f *SynthesisFallback) ListVoices(ctx context.Context) ([]synthesis.Voice, error) {
	return ExecuteWithResult(f.group, func(p synthesis.Provider) ([]synthesis.Voice, error) {
		return p.ListVoices(ctx)
	})
}
