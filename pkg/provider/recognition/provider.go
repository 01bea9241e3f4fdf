// Package recognition defines the Provider interface for speech-recognition
// backends.
//
// A recognition provider transcribes a complete utterance (one or more
// aggregated audio chunks) in a single call. The pipeline feeds it assembled
// utterances rather than raw chunks, so implementations do not need to manage
// streaming state.
//
// Implementations must be safe for concurrent use.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request describes one transcription call.
type Request struct {
	// PCM is raw 16-bit little-endian mono audio.
	PCM []byte

	// SampleRate in Hz. Most backends expect 16000.
	SampleRate int

	// LanguageHint is a BCP-47 tag for the expected source language. Empty
	// lets the backend auto-detect, if supported.
	LanguageHint string
}

// Segment is one time-aligned span of recognized text.
type Segment struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Result is the outcome of a transcription call. Segments are ordered by
// start offset.
type Result struct {
	Segments []Segment

	// Language is the detected (or hinted) source language.
	Language string
}

// Text joins all segment texts with single spaces.
func (r Result) Text() string {
	var out string
	for i, s := range r.Segments {
		if i > 0 {
			out += " "
		}
		out += s.Text
	}
	return out
}

// Provider is the abstraction over any speech-recognition backend.
//
// Implementations must be safe for concurrent use. Multiple utterances may be
// transcribed in parallel (one per active session).
type Provider interface {
	// Recognize transcribes the utterance in req. Returns an error if the
	// backend fails or ctx is cancelled; callers should inspect the error with
	// IsTransient to decide between retry and degradation.
	Recognize(ctx context.Context, req Request) (*Result, error)
}

// Error is the typed error recognition providers return. Transient errors
// (network faults, timeouts, rate limits) are safe to retry; permanent errors
// (bad credentials, unsupported language) are not.
type Error struct {
	Op        string
	Err       error
	transient bool
}

// NewTransientError wraps err as a retryable recognition error.
func NewTransientError(op string, err error) *Error {
	return &Error{Op: op, Err: err, transient: true}
}

// NewPermanentError wraps err as a non-retryable recognition error.
func NewPermanentError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("recognition: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call may succeed.
func (e *Error) Transient() bool { return e.transient }

// IsTransient reports whether err is a recognition error that is safe to
// retry. Context cancellation and deadline expiry are never transient — the
// caller's budget is already gone.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Transient()
	}
	return false
}
