package durable

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTable = "cache_entries"

// PostgresConfig holds connection settings for the Postgres-backed store.
type PostgresConfig struct {
	DSN   string
	Table string
}

// Postgres implements Store on a single relational table. The schema is
// created on construction when missing, so a fresh database works without a
// migration step.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres connects, verifies connectivity, and ensures the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Postgres{pool: pool, table: table}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			type_hint TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at) WHERE expires_at IS NOT NULL`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tags ON %s USING GIN (tags)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) (*Row, error) {
	row := &Row{}
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT key, value, type_hint, tags, expires_at
		FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, s.table), key).Scan(&row.Key, &row.Value, &row.TypeHint, &row.Tags, &row.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache row: %w", err)
	}
	return row, nil
}

func (s *Postgres) Set(ctx context.Context, row *Row) error {
	tags := row.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, type_hint, tags, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			type_hint = EXCLUDED.type_hint,
			tags = EXCLUDED.tags,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`, s.table), row.Key, row.Value, row.TypeHint, tags, row.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	if err != nil {
		return fmt.Errorf("delete cache row: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteByTag(ctx context.Context, tag string) (int64, error) {
	ct, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tags @> ARRAY[$1]::text[]`, s.table), tag)
	if err != nil {
		return 0, fmt.Errorf("delete cache rows by tag: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		)
	`, s.table), key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("cache row exists: %w", err)
	}
	return exists, nil
}

func (s *Postgres) DeleteExpired(ctx context.Context) (int64, error) {
	ct, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now()`, s.table))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache rows: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
