package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store implementation. It backs tests and
// single-node deployments that do not need durability.
//
// All methods are safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	speakers map[string]SpeakerProfile
	actors   map[string]ActorProfile
	voices   map[string]VoiceClone
	bindings map[string]Binding
	events   map[string][]BindingEvent
	actorSeq int

	// now is replaceable for tests.
	now func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		speakers: make(map[string]SpeakerProfile),
		actors:   make(map[string]ActorProfile),
		voices:   make(map[string]VoiceClone),
		bindings: make(map[string]Binding),
		events:   make(map[string][]BindingEvent),
		now:      time.Now,
	}
}

// PutSpeaker implements Store.
func (m *MemStore) PutSpeaker(_ context.Context, p SpeakerProfile) error {
	if p.ID == "" {
		return fmt.Errorf("registry: speaker ID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Embedding = slices.Clone(p.Embedding)
	m.speakers[p.ID] = p
	return nil
}

// GetSpeaker implements Store.
func (m *MemStore) GetSpeaker(_ context.Context, id string) (*SpeakerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.speakers[id]
	if !ok {
		return nil, fmt.Errorf("speaker %q: %w", id, ErrNotFound)
	}
	p.Embedding = slices.Clone(p.Embedding)
	return &p, nil
}

// ListSpeakers implements Store.
func (m *MemStore) ListSpeakers(_ context.Context) ([]SpeakerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SpeakerProfile, 0, len(m.speakers))
	for _, p := range m.speakers {
		p.Embedding = slices.Clone(p.Embedding)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SearchSpeakers implements Store via a linear scan. Fine for the in-memory
// profile counts a single deployment sees; the postgres backend uses an HNSW
// index instead.
func (m *MemStore) SearchSpeakers(_ context.Context, embedding []float32, topK int) ([]SpeakerMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]SpeakerMatch, 0, len(m.speakers))
	for _, p := range m.speakers {
		p.Embedding = slices.Clone(p.Embedding)
		matches = append(matches, SpeakerMatch{
			Profile:    p,
			Similarity: CosineSimilarity(embedding, p.Embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Profile.ID < matches[j].Profile.ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// PutVoice implements Store.
func (m *MemStore) PutVoice(_ context.Context, v VoiceClone) error {
	if v.ID == "" {
		return fmt.Errorf("registry: voice ID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	m.voices[v.ID] = v
	return nil
}

// GetVoice implements Store.
func (m *MemStore) GetVoice(_ context.Context, id string) (*VoiceClone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.voices[id]
	if !ok {
		return nil, fmt.Errorf("voice %q: %w", id, ErrNotFound)
	}
	return &v, nil
}

// ListVoices implements Store.
func (m *MemStore) ListVoices(_ context.Context) ([]VoiceClone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VoiceClone, 0, len(m.voices))
	for _, v := range m.voices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateActor implements Store.
func (m *MemStore) CreateActor(_ context.Context, name string, speakerIDs []string) (*ActorProfile, error) {
	if name == "" {
		return nil, fmt.Errorf("registry: actor name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actorSeq++
	a := ActorProfile{
		ID:         fmt.Sprintf("actor-%d", m.actorSeq),
		Name:       name,
		SpeakerIDs: slices.Clone(speakerIDs),
		CreatedAt:  m.now(),
	}
	m.actors[a.ID] = a
	return &a, nil
}

// GetActor implements Store.
func (m *MemStore) GetActor(_ context.Context, id string) (*ActorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	if !ok {
		return nil, fmt.Errorf("actor %q: %w", id, ErrNotFound)
	}
	a.SpeakerIDs = slices.Clone(a.SpeakerIDs)
	a.VoiceIDs = slices.Clone(a.VoiceIDs)
	return &a, nil
}

// ListActors implements Store.
func (m *MemStore) ListActors(_ context.Context) ([]ActorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActorProfile, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Bind implements Store.
func (m *MemStore) Bind(_ context.Context, speakerID, voiceID string) error {
	if speakerID == "" || voiceID == "" {
		return fmt.Errorf("registry: bind: speaker and voice IDs must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.bindings[speakerID]
	if had && prev.VoiceID == voiceID {
		return nil
	}
	if had {
		m.events[speakerID] = append(m.events[speakerID], BindingEvent{
			SpeakerID:  speakerID,
			OldVoiceID: prev.VoiceID,
			NewVoiceID: voiceID,
			At:         m.now(),
		})
	}
	m.bindings[speakerID] = Binding{SpeakerID: speakerID, VoiceID: voiceID, BoundAt: m.now()}
	return nil
}

// Lookup implements Store.
func (m *MemStore) Lookup(_ context.Context, speakerID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[speakerID]
	if !ok {
		return "", false, nil
	}
	return b.VoiceID, true, nil
}

// BindingEvents implements Store.
func (m *MemStore) BindingEvents(_ context.Context, speakerID string) ([]BindingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events[speakerID]), nil
}

// Ping implements Store.
func (m *MemStore) Ping(_ context.Context) error { return nil }

// Close implements Store.
func (m *MemStore) Close() {}
