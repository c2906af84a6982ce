// Package postgres persists finished voice transcripts to PostgreSQL.
//
// The voice_transcripts table mirrors the record the backend REST endpoint
// accepts: the transcript as JSONB plus denormalised duration and word count
// for quick analytics.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/reminisce/internal/transcript"
)

var _ transcript.Uploader = (*Store)(nil)

const ddlVoiceTranscripts = `
CREATE TABLE IF NOT EXISTS voice_transcripts (
    id                BIGSERIAL    PRIMARY KEY,
    therapy_session_id TEXT        NOT NULL,
    transcript        JSONB        NOT NULL,
    duration_seconds  INTEGER      NOT NULL DEFAULT 0,
    word_count        INTEGER      NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_transcripts_session
    ON voice_transcripts (therapy_session_id);`

// Store writes transcripts through a [pgxpool.Pool]. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and creates the
// voice_transcripts table if it does not exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlVoiceTranscripts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Upload implements [transcript.Uploader].
func (s *Store) Upload(ctx context.Context, rec transcript.Record) error {
	body, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("transcript store: marshal: %w", err)
	}

	const q = `
		INSERT INTO voice_transcripts
		    (therapy_session_id, transcript, duration_seconds, word_count)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, rec.SessionID, body, rec.Duration, rec.WordCount); err != nil {
		return fmt.Errorf("transcript store: insert: %w", err)
	}
	return nil
}

// List returns every record stored for sessionID, oldest first.
func (s *Store) List(ctx context.Context, sessionID string) ([]transcript.Record, error) {
	const q = `
		SELECT transcript, duration_seconds, word_count
		FROM   voice_transcripts
		WHERE  therapy_session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Record, error) {
		var (
			body []byte
			rec  = transcript.Record{SessionID: sessionID}
		)
		if err := row.Scan(&body, &rec.Duration, &rec.WordCount); err != nil {
			return rec, err
		}
		if err := json.Unmarshal(body, &rec.Transcript); err != nil {
			return rec, fmt.Errorf("decode transcript: %w", err)
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	return recs, nil
}
