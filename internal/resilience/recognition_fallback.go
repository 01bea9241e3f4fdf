package resilience

import (
	"context"

	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
)

// RecognitionFallback implements [recognition.Provider] with automatic
// failover across multiple recognition backends. Each backend has its own
// circuit breaker.
type RecognitionFallback struct {
	group *FallbackGroup[recognition.Provider]
}

// Compile-time interface assertion.
var _ recognition.Provider = (*RecognitionFallback)(nil)

// NewRecognitionFallback creates a [RecognitionFallback] with primary as the
// preferred backend.
func NewRecognitionFallback(primary recognition.Provider, primaryName string, cfg FallbackConfig) *RecognitionFallback {
	return &RecognitionFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognition provider as a fallback.
func (f *RecognitionFallback) AddFallback(name string, provider recognition.Provider) {
	f.group.AddFallback(name, provider)
}

// Recognize transcribes against the first healthy provider. Permanent errors
// still advance to the next backend; a misconfigured primary should not take
// the whole stage down when a fallback can serve.
func (f *RecognitionFallback) Recognize(ctx context.Context, req recognition.Request) (*recognition.Result, error) {
	return ExecuteWithResult(f.group, func(p recognition.Provider) (*recognition.Result, error) {
		return p.Recognize(ctx, req)
	})
}
