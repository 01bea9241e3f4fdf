// Package mock provides a scriptable recognition.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
)

// Compile-time assertion that Provider satisfies recognition.Provider.
var _ recognition.Provider = (*Provider)(nil)

// Provider is a test double. Script behaviour via RecognizeFunc, or set Text
// for a fixed single-segment result. Latency, if non-zero, is slept (subject
// to ctx) before responding to simulate a slow backend.
type Provider struct {
	RecognizeFunc func(ctx context.Context, req recognition.Request) (*recognition.Result, error)
	Text          string
	Latency       time.Duration

	mu    sync.Mutex
	calls int
}

// Recognize implements recognition.Provider.
func (p *Provider) Recognize(ctx context.Context, req recognition.Request) (*recognition.Result, error) {
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
	if p.RecognizeFunc != nil {
		return p.RecognizeFunc(ctx, req)
	}
	return &recognition.Result{
		Segments: []recognition.Segment{{Text: p.Text, Confidence: 1.0}},
		Language: req.LanguageHint,
	}, nil
}

// Calls returns how many Recognize requests the mock has seen.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
