// Package postgres provides the PostgreSQL-backed registry.Store.
//
// Speaker embeddings live in a pgvector column with an HNSW cosine index so
// cross-session speaker search stays fast as the profile catalogue grows.
// The pgvector extension must be available in the target database; Migrate
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRegistry = `
CREATE TABLE IF NOT EXISTS actors (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    speaker_ids TEXT[]       NOT NULL DEFAULT '{}',
    voice_ids   TEXT[]       NOT NULL DEFAULT '{}',
    appearances TEXT[]       NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voices (
    id               TEXT         PRIMARY KEY,
    engine_voice_id  TEXT         NOT NULL,
    name             TEXT         NOT NULL,
    owner_actor_id   TEXT         NOT NULL DEFAULT '',
    quality          REAL         NOT NULL DEFAULT 0,
    stability        REAL         NOT NULL DEFAULT 0.5,
    similarity_boost REAL         NOT NULL DEFAULT 0.75,
    style            REAL         NOT NULL DEFAULT 0.5,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bindings (
    speaker_id  TEXT         PRIMARY KEY,
    voice_id    TEXT         NOT NULL,
    bound_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS binding_events (
    id            BIGSERIAL    PRIMARY KEY,
    speaker_id    TEXT         NOT NULL,
    old_voice_id  TEXT         NOT NULL,
    new_voice_id  TEXT         NOT NULL,
    at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_binding_events_speaker
    ON binding_events (speaker_id, at);
`

// ddlSpeakers returns the speakers DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSpeakers(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speakers (
    id          TEXT         PRIMARY KEY,
    embedding   vector(%d),
    confidence  REAL         NOT NULL DEFAULT 0,
    first_seen  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_seen   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    sessions    INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_speakers_embedding
    ON speakers USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the voiceprint provider's output dimension.
// Changing this value after the first migration requires a manual schema
// update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSpeakers(embeddingDimensions),
		ddlRegistry,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("registry migrate: %w", err)
		}
	}
	return nil
}
