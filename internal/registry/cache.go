package registry

import (
	"context"
	"sync"
)

// Compile-time assertion that Cache satisfies Store.
var _ Store = (*Cache)(nil)

// Cache wraps a Store with an in-memory read cache for the two lookups the
// synthesis stage performs per utterance (speaker binding and voice
// settings), and serializes writes per speaker so concurrent sessions cannot
// race each other when the same new speaker appears in both.
//
// The cache is write-through: entries are refreshed on every successful
// write, so readers never see results staler than the last local write.
type Cache struct {
	store Store

	mu       sync.RWMutex
	bindings map[string]string
	voices   map[string]VoiceClone

	// speakerMu serializes writes per speaker ID.
	speakerMu keyedMutex
}

// NewCache wraps store.
func NewCache(store Store) *Cache {
	return &Cache{
		store:    store,
		bindings: make(map[string]string),
		voices:   make(map[string]VoiceClone),
	}
}

// Lookup implements Store, serving from cache on hit.
func (c *Cache) Lookup(ctx context.Context, speakerID string) (string, bool, error) {
	c.mu.RLock()
	voiceID, hit := c.bindings[speakerID]
	c.mu.RUnlock()
	if hit {
		return voiceID, true, nil
	}

	voiceID, ok, err := c.store.Lookup(ctx, speakerID)
	if err != nil || !ok {
		return "", false, err
	}
	c.mu.Lock()
	c.bindings[speakerID] = voiceID
	c.mu.Unlock()
	return voiceID, true, nil
}

// Bind implements Store, writing through and updating the cache.
func (c *Cache) Bind(ctx context.Context, speakerID, voiceID string) error {
	unlock := c.speakerMu.lock(speakerID)
	defer unlock()

	if err := c.store.Bind(ctx, speakerID, voiceID); err != nil {
		return err
	}
	c.mu.Lock()
	c.bindings[speakerID] = voiceID
	c.mu.Unlock()
	return nil
}

// PutSpeaker implements Store with per-speaker write serialization.
func (c *Cache) PutSpeaker(ctx context.Context, p SpeakerProfile) error {
	unlock := c.speakerMu.lock(p.ID)
	defer unlock()
	return c.store.PutSpeaker(ctx, p)
}

// GetVoice implements Store, serving from cache on hit.
func (c *Cache) GetVoice(ctx context.Context, id string) (*VoiceClone, error) {
	c.mu.RLock()
	v, hit := c.voices[id]
	c.mu.RUnlock()
	if hit {
		return &v, nil
	}

	got, err := c.store.GetVoice(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.voices[id] = *got
	c.mu.Unlock()
	return got, nil
}

// PutVoice implements Store, writing through and updating the cache.
func (c *Cache) PutVoice(ctx context.Context, v VoiceClone) error {
	if err := c.store.PutVoice(ctx, v); err != nil {
		return err
	}
	c.mu.Lock()
	c.voices[v.ID] = v
	c.mu.Unlock()
	return nil
}

// Remaining operations pass straight through; they run on admin or
// identification paths where a cache buys nothing.

func (c *Cache) GetSpeaker(ctx context.Context, id string) (*SpeakerProfile, error) {
	return c.store.GetSpeaker(ctx, id)
}

func (c *Cache) ListSpeakers(ctx context.Context) ([]SpeakerProfile, error) {
	return c.store.ListSpeakers(ctx)
}

func (c *Cache) SearchSpeakers(ctx context.Context, embedding []float32, topK int) ([]SpeakerMatch, error) {
	return c.store.SearchSpeakers(ctx, embedding, topK)
}

func (c *Cache) ListVoices(ctx context.Context) ([]VoiceClone, error) {
	return c.store.ListVoices(ctx)
}

func (c *Cache) CreateActor(ctx context.Context, name string, speakerIDs []string) (*ActorProfile, error) {
	return c.store.CreateActor(ctx, name, speakerIDs)
}

func (c *Cache) GetActor(ctx context.Context, id string) (*ActorProfile, error) {
	return c.store.GetActor(ctx, id)
}

func (c *Cache) ListActors(ctx context.Context) ([]ActorProfile, error) {
	return c.store.ListActors(ctx)
}

func (c *Cache) BindingEvents(ctx context.Context, speakerID string) ([]BindingEvent, error) {
	return c.store.BindingEvents(ctx, speakerID)
}

func (c *Cache) Ping(ctx context.Context) error { return c.store.Ping(ctx) }

func (c *Cache) Close() { c.store.Close() }

// keyedMutex provides one mutex per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
