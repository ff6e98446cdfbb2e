package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store manages the PostgreSQL pool and pgvector operations for iris templates.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
// The embedding column is dimensionless so the worker's model can change size.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS iris_templates (
			identity TEXT PRIMARY KEY,
			embedding VECTOR NOT NULL,
			enrolled_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS auth_attempts (
			id BIGSERIAL PRIMARY KEY,
			identity TEXT REFERENCES iris_templates(identity) ON DELETE CASCADE,
			similarity DOUBLE PRECISION NOT NULL,
			authenticated BOOLEAN NOT NULL,
			attempted_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS auth_attempts_identity_idx ON auth_attempts (identity);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%f", v)
	}
	b.WriteByte(']')
	return b.String()
}

// UpsertTemplate stores the enrolled embedding for identity, replacing any previous one.
func (s *Store) UpsertTemplate(ctx context.Context, identity string, vec []float64) error {
	if len(vec) == 0 {
		return errors.New("empty embedding")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO iris_templates (identity, embedding, enrolled_at)
		VALUES ($1, $2::vector, NOW())
		ON CONFLICT (identity) DO UPDATE SET embedding = EXCLUDED.embedding, enrolled_at = NOW()
	`, identity, vecToString(vec))
	return err
}

// HasTemplate reports whether identity is enrolled.
func (s *Store) HasTemplate(ctx context.Context, identity string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM iris_templates WHERE identity = $1)", identity).Scan(&exists)
	return exists, err
}

// Similarity returns the cosine similarity between vec and the enrolled template.
// ok is false when identity has no template.
func (s *Store) Similarity(ctx context.Context, identity string, vec []float64) (sim float64, ok bool, err error) {
	// <=> is the cosine distance operator in pgvector
	query := `SELECT 1 - (embedding <=> $2::vector) FROM iris_templates WHERE identity = $1`
	err = s.pool.QueryRow(ctx, query, identity, vecToString(vec)).Scan(&sim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return sim, true, nil
}

// RecordAttempt logs an authentication attempt against an enrolled identity.
func (s *Store) RecordAttempt(ctx context.Context, identity string, similarity float64, authenticated bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_attempts (identity, similarity, authenticated)
		VALUES ($1, $2, $3)
	`, identity, similarity, authenticated)
	return err
}

// Template summarizes one enrolled identity.
type Template struct {
	Identity    string
	EnrolledAt  time.Time
	Attempts    int
	Successes   int
	LastAttempt *time.Time
}

// ListTemplates returns every enrolled identity with its attempt counters.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.identity, t.enrolled_at,
			COUNT(a.id),
			COUNT(a.id) FILTER (WHERE a.authenticated),
			MAX(a.attempted_at)
		FROM iris_templates t
		LEFT JOIN auth_attempts a ON a.identity = t.identity
		GROUP BY t.identity, t.enrolled_at
		ORDER BY t.identity ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.Identity, &t.EnrolledAt, &t.Attempts, &t.Successes, &t.LastAttempt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTemplates returns the number of enrolled identities.
func (s *Store) CountTemplates(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM iris_templates").Scan(&n)
	return n, err
}

// DeleteTemplate removes an identity and its attempt history. It reports
// whether the identity existed.
func (s *Store) DeleteTemplate(ctx context.Context, identity string) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM iris_templates WHERE identity = $1", identity)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS auth_attempts CASCADE;
		DROP TABLE IF EXISTS iris_templates CASCADE;
	`)
	return err
}
