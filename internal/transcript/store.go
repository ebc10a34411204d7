package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	speaker_ref TEXT        NOT NULL,
	text        TEXT        NOT NULL,
	spoken_at   TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_entries (session_id, id);
`

// Entry is one transcript line, append-only, ordered by arrival.
type Entry struct {
	ID         int64     `db:"id"`
	SessionID  string    `db:"session_id"`
	SpeakerRef string    `db:"speaker_ref"`
	Text       string    `db:"text"`
	SpokenAt   time.Time `db:"spoken_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// Store persists transcript entries to Postgres.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore connects and ensures the schema exists.
func NewStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init transcript schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("transcript")}, nil
}

// Append records one delivered transcript line.
func (s *Store) Append(ctx context.Context, sessionID, speakerRef, text string, spokenAt time.Time) error {
	const q = `INSERT INTO transcript_entries (session_id, speaker_ref, text, spoken_at)
	           VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, q, sessionID, speakerRef, text, spokenAt); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// BySession returns the full transcript of a call in arrival order.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `SELECT id, session_id, speaker_ref, text, spoken_at, created_at
	           FROM transcript_entries WHERE session_id = $1 ORDER BY id`
	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, q, sessionID); err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return entries, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
