// Package voiceprint defines the Provider interface for speaker-embedding
// backends.
//
// A voiceprint provider wraps a service that maps a short span of speech audio
// to a dense float32 vector (e.g., an x-vector or ECAPA-TDNN sidecar). The
// speaker identifier compares these vectors by cosine similarity to decide
// whether two utterances came from the same person.
//
// Implementations must be safe for concurrent use.
package voiceprint

import "context"

// Provider is the abstraction over any speaker-embedding backend.
//
// All vectors returned by a single Provider instance must share the same
// dimensionality (returned by Dimensions). Callers must not mix vectors from
// different Provider instances in the same similarity computation unless they
// have verified that both use the same model and space.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the speaker embedding for a span of raw 16-bit
	// little-endian mono PCM audio at the given sample rate. Returns a float32
	// slice of length Dimensions() or an error if the request fails or ctx is
	// cancelled.
	//
	// The audio should contain speech from a single speaker; mixed-speaker
	// input produces an embedding that matches neither voice well.
	Embed(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced
	// by this provider. The value is determined by the underlying model and is
	// constant for the lifetime of the Provider instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier used for
	// embeddings. Useful for logging and for ensuring profiles in the registry
	// all come from the same embedding space.
	ModelID() string
}
