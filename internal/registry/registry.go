// Package registry persists the durable cross-session state of the dubbing
// system: speaker voiceprints, actors, cloned voices, and the speaker→voice
// bindings the synthesis stage consults on every utterance.
//
// The hot path only ever reads (Lookup); all writes happen on the slower
// identification and admin paths. Implementations must be safe for
// concurrent use.
package registry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
)

// ErrNotFound is returned when a looked-up speaker, actor, voice, or binding
// does not exist.
var ErrNotFound = errors.New("registry: not found")

// SpeakerProfile is one detected speaker's durable voiceprint.
type SpeakerProfile struct {
	// ID is the registry-assigned speaker identifier.
	ID string

	// Embedding is the smoothed voiceprint vector.
	Embedding []float32

	// Confidence is the running identification confidence in [0, 1]. It
	// grows with every successful match.
	Confidence float64

	// FirstSeen and LastSeen bracket the speaker's observed activity.
	FirstSeen time.Time
	LastSeen  time.Time

	// Sessions counts the distinct sessions this speaker appeared in.
	Sessions int
}

// ActorProfile groups speaker profiles that belong to the same real-world
// performer across content.
type ActorProfile struct {
	ID          string
	Name        string
	SpeakerIDs  []string
	VoiceIDs    []string
	Appearances []string
	CreatedAt   time.Time
}

// VoiceClone records a synthetic voice created for a speaker.
type VoiceClone struct {
	// ID is the registry-assigned voice identifier.
	ID string

	// EngineVoiceID is the synthesis backend's identifier for this voice.
	EngineVoiceID string

	Name string

	// OwnerActorID links the voice to an actor, when known.
	OwnerActorID string

	// Quality is a [0, 1] score from clone validation; 0 means unrated.
	Quality float64

	// Settings are the rendering parameters chosen for this voice.
	Settings synthesis.Settings

	CreatedAt time.Time
}

// Binding maps a speaker to the voice currently used to dub them. A speaker
// has at most one binding at a time.
type Binding struct {
	SpeakerID string
	VoiceID   string
	BoundAt   time.Time
}

// BindingEvent is the audit record written whenever a binding changes to a
// different voice. Idempotent re-binds to the same voice produce no event.
type BindingEvent struct {
	SpeakerID  string
	OldVoiceID string
	NewVoiceID string
	At         time.Time
}

// SpeakerMatch is one result of a vector similarity search.
type SpeakerMatch struct {
	Profile SpeakerProfile

	// Similarity is cosine similarity in [-1, 1]; higher is closer.
	Similarity float64
}

// Store is the abstraction over registry persistence backends.
//
// Bind is last-writer-wins: rebinding a speaker to a different voice
// overwrites the previous binding and records exactly one BindingEvent.
// Binding the already-bound voice is a no-op.
//
// Implementations must be safe for concurrent use.
type Store interface {
	PutSpeaker(ctx context.Context, p SpeakerProfile) error
	GetSpeaker(ctx context.Context, id string) (*SpeakerProfile, error)
	ListSpeakers(ctx context.Context) ([]SpeakerProfile, error)

	// SearchSpeakers returns up to topK profiles ordered by descending
	// cosine similarity to the query embedding.
	SearchSpeakers(ctx context.Context, embedding []float32, topK int) ([]SpeakerMatch, error)

	PutVoice(ctx context.Context, v VoiceClone) error
	GetVoice(ctx context.Context, id string) (*VoiceClone, error)
	ListVoices(ctx context.Context) ([]VoiceClone, error)

	CreateActor(ctx context.Context, name string, speakerIDs []string) (*ActorProfile, error)
	GetActor(ctx context.Context, id string) (*ActorProfile, error)
	ListActors(ctx context.Context) ([]ActorProfile, error)

	// Bind associates speakerID with voiceID, per the last-writer-wins
	// contract above.
	Bind(ctx context.Context, speakerID, voiceID string) error

	// Lookup returns the voice currently bound to speakerID. ok is false
	// when no binding exists; err is reserved for backend failures.
	Lookup(ctx context.Context, speakerID string) (voiceID string, ok bool, err error)

	// BindingEvents returns the audit trail for one speaker, oldest first.
	BindingEvents(ctx context.Context, speakerID string) ([]BindingEvent, error)

	// Ping reports backend reachability, for readiness checks.
	Ping(ctx context.Context) error

	Close()
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors. Returns 0 when either vector has zero magnitude or the lengths
// differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
