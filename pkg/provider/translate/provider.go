// Package translate defines the Provider interface for text-translation
// backends.
//
// A translation provider converts one recognized utterance from the source
// language to the session's target language. The pipeline calls it once per
// utterance, inside the stage's latency budget.
//
// Implementations must be safe for concurrent use.
package translate

import (
	"context"
	"errors"
	"fmt"
)

// Request describes one translation call.
type Request struct {
	// Text is the source-language text to translate.
	Text string

	// SourceLang is the BCP-47 tag of the input. Empty means unknown; the
	// backend should infer it.
	SourceLang string

	// TargetLang is the BCP-47 tag to translate into. Required.
	TargetLang string
}

// Result is the outcome of a translation call.
type Result struct {
	// Text is the translated text.
	Text string

	// DetectedSourceLang is set when the backend inferred the source
	// language; empty otherwise.
	DetectedSourceLang string
}

// Provider is the abstraction over any translation backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Translate converts req.Text into req.TargetLang. Returns an error if
	// the backend fails or ctx is cancelled; callers should inspect the error
	// with IsTransient to decide between retry and degradation.
	Translate(ctx context.Context, req Request) (*Result, error)
}

// Error is the typed error translation providers return, split into
// transient (retryable) and permanent failures.
type Error struct {
	Op        string
	Err       error
	transient bool
}

// NewTransientError wraps err as a retryable translation error.
func NewTransientError(op string, err error) *Error {
	return &Error{Op: op, Err: err, transient: true}
}

// NewPermanentError wraps err as a non-retryable translation error.
func NewPermanentError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("translate: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call may succeed.
func (e *Error) Transient() bool { return e.transient }

// IsTransient reports whether err is a translation error that is safe to
// retry. Context cancellation and deadline expiry are never transient.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Transient()
	}
	return false
}
