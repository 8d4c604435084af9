package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alimasry/docsync/ot"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	document_id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	global_seq INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore is a SQLite-backed implementation of SnapshotStore.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (ot.Snapshot, error) {
	var snap ot.Snapshot
	row := s.db.QueryRowContext(ctx, `SELECT body, global_seq FROM snapshots WHERE document_id = ?`, id)
	if err := row.Scan(&snap.Text, &snap.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ot.Snapshot{}, ErrNotFound
		}
		return ot.Snapshot{}, fmt.Errorf("load snapshot %q: %w", id, err)
	}
	return snap, nil
}

func (s *SQLiteStore) Persist(ctx context.Context, id string, snap ot.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, body, global_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			body = excluded.body,
			global_seq = excluded.global_seq,
			updated_at = excluded.updated_at
		WHERE excluded.global_seq >= snapshots.global_seq
	`, id, snap.Text, snap.Seq, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("persist snapshot %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var updated int64
		if err := rows.Scan(&info.ID, &info.Seq, &updated); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.UpdatedAt = time.Unix(updated, 0)
		docs = append(docs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return docs, nil
}
