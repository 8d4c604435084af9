package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimasry/docsync/ot"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	document_id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	global_seq BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is a PostgreSQL-backed implementation of SnapshotStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to the database at url.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (ot.Snapshot, error) {
	var snap ot.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT body, global_seq FROM snapshots WHERE document_id = $1`, id,
	).Scan(&snap.Text, &snap.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return ot.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return ot.Snapshot{}, fmt.Errorf("load snapshot %q: %w", id, err)
	}
	return snap, nil
}

func (s *PostgresStore) Persist(ctx context.Context, id string, snap ot.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (document_id, body, global_seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (document_id) DO UPDATE SET
			body = EXCLUDED.body,
			global_seq = EXCLUDED.global_seq,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.global_seq >= snapshots.global_seq
	`, id, snap.Text, snap.Seq)
	if err != nil {
		return fmt.Errorf("persist snapshot %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, global_seq, updated_at
		FROM snapshots
		ORDER BY document_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	docs := make([]DocumentInfo, 0)
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.ID, &info.Seq, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		docs = append(docs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return docs, nil
}
