package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxmirror/voxmirror/internal/registry"
)

// Compile-time assertion that Store satisfies registry.Store.
var _ registry.Store = (*Store)(nil)

// Store is the PostgreSQL-backed registry. All operations are safe for
// concurrent use; binding writes are serialized per speaker by a transaction
// with a row lock.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// Migrate to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the voiceprint
// provider used to produce speaker embeddings.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("registry postgres: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("registry postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// PutSpeaker implements registry.Store via upsert.
func (s *Store) PutSpeaker(ctx context.Context, p registry.SpeakerProfile) error {
	if p.ID == "" {
		return fmt.Errorf("registry postgres: speaker ID must not be empty")
	}
	const q = `
		INSERT INTO speakers (id, embedding, confidence, first_seen, last_seen, sessions)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    embedding  = EXCLUDED.embedding,
		    confidence = EXCLUDED.confidence,
		    last_seen  = EXCLUDED.last_seen,
		    sessions   = EXCLUDED.sessions`

	firstSeen := p.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}
	lastSeen := p.LastSeen
	if lastSeen.IsZero() {
		lastSeen = firstSeen
	}
	_, err := s.pool.Exec(ctx, q,
		p.ID, pgvector.NewVector(p.Embedding), p.Confidence, firstSeen, lastSeen, p.Sessions)
	if err != nil {
		return fmt.Errorf("registry postgres: put speaker: %w", err)
	}
	return nil
}

// GetSpeaker implements registry.Store.
func (s *Store) GetSpeaker(ctx context.Context, id string) (*registry.SpeakerProfile, error) {
	const q = `
		SELECT id, embedding, confidence, first_seen, last_seen, sessions
		FROM   speakers WHERE id = $1`

	var (
		p   registry.SpeakerProfile
		vec pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&p.ID, &vec, &p.Confidence, &p.FirstSeen, &p.LastSeen, &p.Sessions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("speaker %q: %w", id, registry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry postgres: get speaker: %w", err)
	}
	p.Embedding = vec.Slice()
	return &p, nil
}

// ListSpeakers implements registry.Store.
func (s *Store) ListSpeakers(ctx context.Context) ([]registry.SpeakerProfile, error) {
	const q = `
		SELECT id, embedding, confidence, first_seen, last_seen, sessions
		FROM   speakers ORDER BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("registry postgres: list speakers: %w", err)
	}
	return pgx.CollectRows(rows, scanSpeaker)
}

func scanSpeaker(row pgx.CollectableRow) (registry.SpeakerProfile, error) {
	var (
		p   registry.SpeakerProfile
		vec pgvector.Vector
	)
	if err := row.Scan(&p.ID, &vec, &p.Confidence, &p.FirstSeen, &p.LastSeen, &p.Sessions); err != nil {
		return registry.SpeakerProfile{}, err
	}
	p.Embedding = vec.Slice()
	return p, nil
}

// SearchSpeakers implements registry.Store using the HNSW cosine index.
// pgvector's <=> operator yields cosine distance; similarity = 1 - distance.
func (s *Store) SearchSpeakers(ctx context.Context, embedding []float32, topK int) ([]registry.SpeakerMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	const q = `
		SELECT id, embedding, confidence, first_seen, last_seen, sessions,
		       embedding <=> $1 AS distance
		FROM   speakers
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("registry postgres: search speakers: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (registry.SpeakerMatch, error) {
		var (
			m        registry.SpeakerMatch
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(&m.Profile.ID, &vec, &m.Profile.Confidence,
			&m.Profile.FirstSeen, &m.Profile.LastSeen, &m.Profile.Sessions, &distance); err != nil {
			return registry.SpeakerMatch{}, err
		}
		m.Profile.Embedding = vec.Slice()
		m.Similarity = 1 - distance
		return m, nil
	})
}

// PutVoice implements registry.Store via upsert.
func (s *Store) PutVoice(ctx context.Context, v registry.VoiceClone) error {
	if v.ID == "" {
		return fmt.Errorf("registry postgres: voice ID must not be empty")
	}
	const q = `
		INSERT INTO voices
		    (id, engine_voice_id, name, owner_actor_id, quality, stability, similarity_boost, style, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    engine_voice_id  = EXCLUDED.engine_voice_id,
		    name             = EXCLUDED.name,
		    owner_actor_id   = EXCLUDED.owner_actor_id,
		    quality          = EXCLUDED.quality,
		    stability        = EXCLUDED.stability,
		    similarity_boost = EXCLUDED.similarity_boost,
		    style            = EXCLUDED.style`

	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	settings := v.Settings.Clamped()
	_, err := s.pool.Exec(ctx, q,
		v.ID, v.EngineVoiceID, v.Name, v.OwnerActorID, v.Quality,
		settings.Stability, settings.SimilarityBoost, settings.Style, createdAt)
	if err != nil {
		return fmt.Errorf("registry postgres: put voice: %w", err)
	}
	return nil
}

// GetVoice implements registry.Store.
func (s *Store) GetVoice(ctx context.Context, id string) (*registry.VoiceClone, error) {
	const q = `
		SELECT id, engine_voice_id, name, owner_actor_id, quality,
		       stability, similarity_boost, style, created_at
		FROM   voices WHERE id = $1`

	var v registry.VoiceClone
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&v.ID, &v.EngineVoiceID, &v.Name, &v.OwnerActorID, &v.Quality,
		&v.Settings.Stability, &v.Settings.SimilarityBoost, &v.Settings.Style, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("voice %q: %w", id, registry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry postgres: get voice: %w", err)
	}
	return &v, nil
}

// ListVoices implements registry.Store.
func (s *Store) ListVoices(ctx context.Context) ([]registry.VoiceClone, error) {
	const q = `
		SELECT id, engine_voice_id, name, owner_actor_id, quality,
		       stability, similarity_boost, style, created_at
		FROM   voices ORDER BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("registry postgres: list voices: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (registry.VoiceClone, error) {
		var v registry.VoiceClone
		err := row.Scan(&v.ID, &v.EngineVoiceID, &v.Name, &v.OwnerActorID, &v.Quality,
			&v.Settings.Stability, &v.Settings.SimilarityBoost, &v.Settings.Style, &v.CreatedAt)
		return v, err
	})
}

// CreateActor implements registry.Store.
func (s *Store) CreateActor(ctx context.Context, name string, speakerIDs []string) (*registry.ActorProfile, error) {
	if name == "" {
		return nil, fmt.Errorf("registry postgres: actor name must not be empty")
	}
	a := registry.ActorProfile{
		ID:         "actor-" + uuid.NewString(),
		Name:       name,
		SpeakerIDs: speakerIDs,
		CreatedAt:  time.Now(),
	}
	const q = `
		INSERT INTO actors (id, name, speaker_ids, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, a.ID, a.Name, a.SpeakerIDs, a.CreatedAt); err != nil {
		return nil, fmt.Errorf("registry postgres: create actor: %w", err)
	}
	return &a, nil
}

// GetActor implements registry.Store.
func (s *Store) GetActor(ctx context.Context, id string) (*registry.ActorProfile, error) {
	const q = `
		SELECT id, name, speaker_ids, voice_ids, appearances, created_at
		FROM   actors WHERE id = $1`

	var a registry.ActorProfile
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&a.ID, &a.Name, &a.SpeakerIDs, &a.VoiceIDs, &a.Appearances, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("actor %q: %w", id, registry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry postgres: get actor: %w", err)
	}
	return &a, nil
}

// ListActors implements registry.Store.
func (s *Store) ListActors(ctx context.Context) ([]registry.ActorProfile, error) {
	const q = `
		SELECT id, name, speaker_ids, voice_ids, appearances, created_at
		FROM   actors ORDER BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("registry postgres: list actors: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (registry.ActorProfile, error) {
		var a registry.ActorProfile
		err := row.Scan(&a.ID, &a.Name, &a.SpeakerIDs, &a.VoiceIDs, &a.Appearances, &a.CreatedAt)
		return a, err
	})
}

// Bind implements registry.Store. A transaction with SELECT ... FOR UPDATE
// serializes concurrent binds for the same speaker; a change to a different
// voice records one audit event.
func (s *Store) Bind(ctx context.Context, speakerID, voiceID string) error {
	if speakerID == "" || voiceID == "" {
		return fmt.Errorf("registry postgres: bind: speaker and voice IDs must not be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry postgres: bind: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev string
	err = tx.QueryRow(ctx,
		`SELECT voice_id FROM bindings WHERE speaker_id = $1 FOR UPDATE`, speakerID).Scan(&prev)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First binding for this speaker.
	case err != nil:
		return fmt.Errorf("registry postgres: bind: lock: %w", err)
	case prev == voiceID:
		return nil
	default:
		_, err = tx.Exec(ctx,
			`INSERT INTO binding_events (speaker_id, old_voice_id, new_voice_id) VALUES ($1, $2, $3)`,
			speakerID, prev, voiceID)
		if err != nil {
			return fmt.Errorf("registry postgres: bind: audit: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bindings (speaker_id, voice_id, bound_at)
		VALUES ($1, $2, now())
		ON CONFLICT (speaker_id) DO UPDATE SET
		    voice_id = EXCLUDED.voice_id,
		    bound_at = EXCLUDED.bound_at`,
		speakerID, voiceID)
	if err != nil {
		return fmt.Errorf("registry postgres: bind: upsert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry postgres: bind: commit: %w", err)
	}
	return nil
}

// Lookup implements registry.Store.
func (s *Store) Lookup(ctx context.Context, speakerID string) (string, bool, error) {
	var voiceID string
	err := s.pool.QueryRow(ctx,
		`SELECT voice_id FROM bindings WHERE speaker_id = $1`, speakerID).Scan(&voiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry postgres: lookup: %w", err)
	}
	return voiceID, true, nil
}

// BindingEvents implements registry.Store.
func (s *Store) BindingEvents(ctx context.Context, speakerID string) ([]registry.BindingEvent, error) {
	const q = `
		SELECT speaker_id, old_voice_id, new_voice_id, at
		FROM   binding_events
		WHERE  speaker_id = $1
		ORDER  BY at`

	rows, err := s.pool.Query(ctx, q, speakerID)
	if err != nil {
		return nil, fmt.Errorf("registry postgres: binding events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (registry.BindingEvent, error) {
		var e registry.BindingEvent
		err := row.Scan(&e.SpeakerID, &e.OldVoiceID, &e.NewVoiceID, &e.At)
		return e, err
	})
}

// Ping implements registry.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
