// Package synthesis defines the Provider interface for speech-synthesis
// backends with voice cloning.
//
// A synthesis provider renders translated text as PCM audio in a specific
// voice. Voices are referenced by provider-assigned IDs; the registry maps
// detected speakers to these IDs. Cloning a voice from audio samples is an
// expensive out-of-band operation and must never run on the hot path.
//
// Implementations must be safe for concurrent use.
package synthesis

import (
	"context"
	"errors"
	"fmt"
)

// Settings controls voice rendering. All values are clamped to [0, 1] by
// implementations before use.
type Settings struct {
	// Stability trades consistency against expressiveness. Lower values give
	// a more animated read.
	Stability float64

	// SimilarityBoost controls how closely the output tracks the cloned
	// voice's timbre.
	SimilarityBoost float64

	// Style exaggerates the speaking style of the original voice sample.
	Style float64
}

// DefaultSettings returns the standard dubbing settings.
func DefaultSettings() Settings {
	return Settings{Stability: 0.5, SimilarityBoost: 0.75, Style: 0.5}
}

// Clamped returns a copy of s with every field bounded to [0, 1].
func (s Settings) Clamped() Settings {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return Settings{
		Stability:       clamp(s.Stability),
		SimilarityBoost: clamp(s.SimilarityBoost),
		Style:           clamp(s.Style),
	}
}

// Request describes one synthesis call.
type Request struct {
	// Text is the (translated) text to render.
	Text string

	// VoiceID is the provider-assigned voice to render with. Required.
	VoiceID string

	// Settings controls the rendering. Zero value means provider defaults.
	Settings Settings
}

// Result is the outcome of a synthesis call.
type Result struct {
	// PCM is raw 16-bit little-endian mono audio.
	PCM []byte

	// SampleRate of the PCM data in Hz.
	SampleRate int
}

// Voice describes one voice available at the backend.
type Voice struct {
	// ID is the provider-assigned voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which backend this voice belongs to.
	Provider string

	// Metadata holds provider-specific attributes (gender, accent, category).
	Metadata map[string]string
}

// Provider is the abstraction over any speech-synthesis backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active session).
type Provider interface {
	// Synthesize renders req.Text in the requested voice and returns the
	// complete audio. Returns an error if the backend fails or ctx is
	// cancelled; callers should inspect the error with IsTransient to decide
	// between retry and degradation.
	Synthesize(ctx context.Context, req Request) (*Result, error)

	// CloneVoice creates a new voice from the supplied audio samples. Each
	// element of samples is one recording in a provider-supported format
	// (raw PCM or WAV/MP3 — consult the implementation). An empty samples
	// slice returns an error rather than panicking.
	//
	// This is an expensive operation and must not be called from the
	// per-chunk pipeline.
	CloneVoice(ctx context.Context, name string, samples [][]byte) (*Voice, error)

	// ListVoices returns all voices available from this provider. The list
	// reflects the backend's current catalogue and may change between calls.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Error is the typed error synthesis providers return, split into transient
// (retryable) and permanent failures.
type Error struct {
	Op        string
	Err       error
	transient bool
}

// NewTransientError wraps err as a retryable synthesis error.
func NewTransientError(op string, err error) *Error {
	return &Error{Op: op, Err: err, transient: true}
}

// NewPermanentError wraps err as a non-retryable synthesis error.
func NewPermanentError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("synthesis: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call may succeed.
func (e *Error) Transient() bool { return e.transient }

// IsTransient reports whether err is a synthesis error that is safe to
// retry. Context cancellation and deadline expiry are never transient.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Transient()
	}
	return false
}
