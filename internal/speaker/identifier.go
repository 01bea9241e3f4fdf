// Package speaker tracks who is talking. The Identifier matches voiceprint
// embeddings against known profiles, and the Assembler merges consecutive
// same-speaker transcripts into utterances for observers.
package speaker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmirror/voxmirror/internal/registry"
	"github.com/voxmirror/voxmirror/pkg/provider/voiceprint"
)

const (
	// DefaultSpeakerID labels audio whose speaker could not be determined.
	// Such chunks still flow through the pipeline; they just dub with the
	// session's default voice.
	DefaultSpeakerID = "speaker_unknown"

	defaultThreshold             = 0.8
	defaultCrossSessionThreshold = 0.85
	defaultSmoothingAlpha        = 0.1
	defaultTieEpsilon            = 0.02
	confidenceStep               = 0.05
)

// Identification is the outcome of identifying one chunk of audio.
type Identification struct {
	// SpeakerID is never empty; DefaultSpeakerID when identification failed.
	SpeakerID string

	// Confidence is the match similarity clamped to [0, 1]; 1.0 for a newly
	// minted profile, 0 for DefaultSpeakerID.
	Confidence float64

	// New reports that this chunk minted a new speaker profile.
	New bool

	// Unidentified reports that embedding extraction failed and SpeakerID is
	// the fallback.
	Unidentified bool
}

// Identifier assigns a stable speaker ID to each audio chunk of one session.
//
// Matching runs against the profiles already seen in this session first, then
// against the registry-wide catalogue with a stricter threshold, so a
// returning character keeps their identity across episodes. Matched profile
// embeddings are updated by exponential smoothing, never overwritten.
//
// All methods are safe for concurrent use, though the pipeline calls
// Identify from a single stage worker.
type Identifier struct {
	provider voiceprint.Provider
	store    registry.Store
	logger   *slog.Logger

	threshold      float64
	crossThreshold float64
	alpha          float64
	tieEpsilon     float64

	mu       sync.Mutex
	profiles map[string]*sessionProfile
	order    uint64
}

// sessionProfile is the in-session view of a speaker.
type sessionProfile struct {
	embedding  []float32
	confidence float64
	lastActive uint64
	firstSeen  time.Time
	fromStore  bool
}

// Option is a functional option for configuring an Identifier.
type Option func(*Identifier)

// WithThreshold sets the in-session cosine similarity threshold above which
// a chunk matches an existing profile. Defaults to 0.8.
func WithThreshold(t float64) Option {
	return func(i *Identifier) { i.threshold = t }
}

// WithCrossSessionThreshold sets the stricter threshold used when matching
// against registry-wide profiles from other sessions. Defaults to 0.85.
func WithCrossSessionThreshold(t float64) Option {
	return func(i *Identifier) { i.crossThreshold = t }
}

// WithSmoothingAlpha sets the exponential moving average weight applied to
// new observations when updating a matched profile's embedding. Defaults to
// 0.1.
func WithSmoothingAlpha(a float64) Option {
	return func(i *Identifier) { i.alpha = a }
}

// WithTieEpsilon sets the similarity margin within which candidates are
// considered tied; ties resolve to the profile most recently active in this
// session. Defaults to 0.02.
func WithTieEpsilon(e float64) Option {
	return func(i *Identifier) { i.tieEpsilon = e }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Identifier) { i.logger = l }
}

// NewIdentifier creates an Identifier for one session. store may be a cache
// wrapper; it is consulted for cross-session matches and receives smoothed
// profile updates.
func NewIdentifier(provider voiceprint.Provider, store registry.Store, opts ...Option) *Identifier {
	i := &Identifier{
		provider:       provider,
		store:          store,
		logger:         slog.Default(),
		threshold:      defaultThreshold,
		crossThreshold: defaultCrossSessionThreshold,
		alpha:          defaultSmoothingAlpha,
		tieEpsilon:     defaultTieEpsilon,
		profiles:       make(map[string]*sessionProfile),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Identify assigns a speaker ID to the given audio. It never returns an
// error: embedding failures fall back to DefaultSpeakerID so the pipeline
// keeps moving.
func (i *Identifier) Identify(ctx context.Context, pcm []byte, sampleRate int) Identification {
	embedding, err := i.provider.Embed(ctx, pcm, sampleRate)
	if err != nil {
		i.logger.Warn("voiceprint extraction failed, using default speaker", "error", err)
		return Identification{SpeakerID: DefaultSpeakerID, Unidentified: true}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.order++

	if id, sim, ok := i.bestSessionMatch(embedding); ok {
		i.updateProfileLocked(ctx, id, embedding)
		return Identification{SpeakerID: id, Confidence: clamp01(sim)}
	}

	if id, sim, ok := i.crossSessionMatch(ctx, embedding); ok {
		i.updateProfileLocked(ctx, id, embedding)
		return Identification{SpeakerID: id, Confidence: clamp01(sim)}
	}

	id := i.mintProfileLocked(ctx, embedding)
	return Identification{SpeakerID: id, Confidence: 1.0, New: true}
}

// bestSessionMatch finds the best-scoring session profile at or above the
// threshold. Candidates within tieEpsilon of the best similarity are tied;
// the most recently active one wins, which keeps back-and-forth dialogue
// from flapping between two near-identical profiles.
func (i *Identifier) bestSessionMatch(embedding []float32) (string, float64, bool) {
	var (
		bestID  string
		bestSim = -1.0
	)
	for id, p := range i.profiles {
		sim := registry.CosineSimilarity(embedding, p.embedding)
		if sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	if bestID == "" || bestSim < i.threshold {
		return "", 0, false
	}

	winner, winnerActive := bestID, i.profiles[bestID].lastActive
	for id, p := range i.profiles {
		if id == bestID {
			continue
		}
		sim := registry.CosineSimilarity(embedding, p.embedding)
		if bestSim-sim <= i.tieEpsilon && sim >= i.threshold && p.lastActive > winnerActive {
			winner, winnerActive = id, p.lastActive
		}
	}
	return winner, bestSim, true
}

// crossSessionMatch consults the registry for profiles from earlier
// sessions. Registry errors degrade to "no match" — the session then mints a
// fresh profile rather than stalling.
func (i *Identifier) crossSessionMatch(ctx context.Context, embedding []float32) (string, float64, bool) {
	matches, err := i.store.SearchSpeakers(ctx, embedding, 1)
	if err != nil {
		i.logger.Warn("registry speaker search failed", "error", err)
		return "", 0, false
	}
	if len(matches) == 0 || matches[0].Similarity < i.crossThreshold {
		return "", 0, false
	}

	m := matches[0]
	if _, known := i.profiles[m.Profile.ID]; !known {
		i.profiles[m.Profile.ID] = &sessionProfile{
			embedding:  slices.Clone(m.Profile.Embedding),
			confidence: m.Profile.Confidence,
			lastActive: i.order,
			firstSeen:  m.Profile.FirstSeen,
			fromStore:  true,
		}
		i.persistLocked(ctx, m.Profile.ID, m.Profile.Sessions+1)
	}
	return m.Profile.ID, m.Similarity, true
}

// updateProfileLocked applies the smoothed embedding update and bumps the
// running confidence. Caller holds i.mu.
func (i *Identifier) updateProfileLocked(ctx context.Context, id string, embedding []float32) {
	p, ok := i.profiles[id]
	if !ok {
		return
	}
	for j := range p.embedding {
		p.embedding[j] = float32((1-i.alpha)*float64(p.embedding[j]) + i.alpha*float64(embedding[j]))
	}
	p.confidence = min(1.0, p.confidence+confidenceStep)
	p.lastActive = i.order
	i.persistLocked(ctx, id, 0)
}

// mintProfileLocked creates a new profile for an unmatched embedding.
// Caller holds i.mu.
func (i *Identifier) mintProfileLocked(ctx context.Context, embedding []float32) string {
	// IDs must be unique registry-wide, not just per session; two sessions
	// minting concurrently must not collide on a counter.
	id := fmt.Sprintf("speaker_%s", uuid.NewString())
	i.profiles[id] = &sessionProfile{
		embedding:  slices.Clone(embedding),
		confidence: 1.0,
		lastActive: i.order,
		firstSeen:  time.Now(),
	}
	i.persistLocked(ctx, id, 1)
	i.logger.Info("new speaker profile", "speaker_id", id)
	return id
}

// persistLocked writes the session view of a profile back to the registry.
// sessions, when non-zero, overrides the stored session count. Write errors
// are logged, never propagated; durability is best-effort from the hot path.
func (i *Identifier) persistLocked(ctx context.Context, id string, sessions int) {
	p := i.profiles[id]
	profile := registry.SpeakerProfile{
		ID:         id,
		Embedding:  slices.Clone(p.embedding),
		Confidence: p.confidence,
		FirstSeen:  p.firstSeen,
		LastSeen:   time.Now(),
		Sessions:   max(sessions, 1),
	}
	if err := i.store.PutSpeaker(ctx, profile); err != nil {
		i.logger.Warn("persist speaker profile failed", "speaker_id", id, "error", err)
	}
}

// ActiveSpeakers returns the IDs of all profiles seen in this session.
func (i *Identifier) ActiveSpeakers() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.profiles))
	for id := range i.profiles {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
