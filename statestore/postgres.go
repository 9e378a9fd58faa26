package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the file-state table in a PostgreSQL database. Useful
// when several machines share one workspace identity and the gob snapshot is
// not enough.
type PostgresStore struct {
	pool      *pgxpool.Pool
	workspace string
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS file_state (
	workspace TEXT NOT NULL,
	path      TEXT NOT NULL,
	size      BIGINT NOT NULL,
	mod_time  TIMESTAMPTZ NOT NULL,
	digest    TEXT NOT NULL,
	state     SMALLINT NOT NULL,
	revision  BIGINT NOT NULL,
	PRIMARY KEY (workspace, path)
)`

// NewPostgresStore connects to the database and ensures the file_state table
// exists. workspace scopes rows so several workspaces can share one database.
func NewPostgresStore(ctx context.Context, dsn, workspace string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create file_state table: %w", err)
	}

	return &PostgresStore{pool: pool, workspace: workspace}, nil
}

func (s *PostgresStore) Get(ctx context.Context, path string) (*FileRecord, error) {
	var rec FileRecord
	var state int16
	err := s.pool.QueryRow(ctx,
		`SELECT path, size, mod_time, digest, state, revision
		 FROM file_state WHERE workspace = $1 AND path = $2`,
		s.workspace, path,
	).Scan(&rec.Path, &rec.Size, &rec.ModTime, &rec.Digest, &state, &rec.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file state: %w", err)
	}
	rec.State = EligibilityState(state)
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec FileRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_state (workspace, path, size, mod_time, digest, state, revision)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workspace, path) DO UPDATE SET
		   size = EXCLUDED.size, mod_time = EXCLUDED.mod_time,
		   digest = EXCLUDED.digest, state = EXCLUDED.state,
		   revision = EXCLUDED.revision`,
		s.workspace, rec.Path, rec.Size, rec.ModTime, rec.Digest, int16(rec.State), rec.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM file_state WHERE workspace = $1 AND path = $2`,
		s.workspace, path,
	)
	if err != nil {
		return fmt.Errorf("failed to delete file state: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM file_state WHERE workspace = $1 AND path LIKE $2 || '%'`,
		s.workspace, prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete file state by prefix: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) All(ctx context.Context) ([]FileRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, size, mod_time, digest, state, revision
		 FROM file_state WHERE workspace = $1`,
		s.workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list file state: %w", err)
	}
	defer rows.Close()

	var recs []FileRecord
	for rows.Next() {
		var rec FileRecord
		var state int16
		if err := rows.Scan(&rec.Path, &rec.Size, &rec.ModTime, &rec.Digest, &state, &rec.Revision); err != nil {
			return nil, fmt.Errorf("failed to scan file state row: %w", err)
		}
		rec.State = EligibilityState(state)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Load is a no-op: the database is the source of truth.
func (s *PostgresStore) Load(ctx context.Context) error { return nil }

// Persist is a no-op: every Put writes through.
func (s *PostgresStore) Persist(ctx context.Context) error { return nil }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
