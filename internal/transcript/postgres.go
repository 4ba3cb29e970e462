package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_lines (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_lines_session_created ON transcript_lines (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveLine(ctx context.Context, line Line) error {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_lines (id, session_id, user_id, speaker, text, language, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		line.ID,
		line.SessionID,
		line.UserID,
		line.Speaker,
		line.Text,
		line.Language,
		line.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript line: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionLines(ctx context.Context, sessionID string, limit int) ([]Line, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, speaker, text, language, created_at
		 FROM transcript_lines WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	lines := make([]Line, 0, limit)
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.SessionID, &l.UserID, &l.Speaker, &l.Text, &l.Language, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Reverse into chronological order for display.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	return lines, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
