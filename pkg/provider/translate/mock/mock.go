// Package mock provides a scriptable translate.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxmirror/voxmirror/pkg/provider/translate"
)

// Compile-time assertion that Provider satisfies translate.Provider.
var _ translate.Provider = (*Provider)(nil)

// Provider is a test double. Script behaviour via TranslateFunc, or leave it
// nil to get the input text back prefixed with the target language tag
// (e.g., "[en] hola"). Latency, if non-zero, is slept (subject to ctx)
// before responding.
type Provider struct {
	TranslateFunc func(ctx context.Context, req translate.Request) (*translate.Result, error)
	Latency       time.Duration

	mu    sync.Mutex
	calls int
}

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
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
	if p.TranslateFunc != nil {
		return p.TranslateFunc(ctx, req)
	}
	return &translate.Result{Text: "[" + req.TargetLang + "] " + req.Text}, nil
}

// Calls returns how many Translate requests the mock has seen.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
