package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/docsync/ot"
)

// ErrNotFound is returned by Load when no snapshot exists for a document.
var ErrNotFound = errors.New("snapshot not found")

// DocumentInfo describes a persisted snapshot without its text.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"globalSeq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SnapshotStore abstracts document persistence for the collaboration core.
// Implementations: MemoryStore, SQLiteStore, PostgresStore, BoltStore,
// FirestoreStore, and the write-behind Persister wrapping any of them.
//
// Persist never moves a document backwards: a snapshot whose Seq is lower
// than the stored one is ignored.
type SnapshotStore interface {
	Load(ctx context.Context, id string) (ot.Snapshot, error)
	Persist(ctx context.Context, id string, snap ot.Snapshot) error
	List(ctx context.Context) ([]DocumentInfo, error)
}
