package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alimasry/docsync/ot"
)

var snapshotsBucket = []byte("snapshots")

type boltRecord struct {
	Text      string    `json:"text"`
	Seq       int64     `json:"globalSeq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BoltStore is an embedded bbolt-backed implementation of SnapshotStore,
// suited to single-node deployments.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(_ context.Context, id string) (ot.Snapshot, error) {
	var rec boltRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return ot.Snapshot{}, fmt.Errorf("load snapshot %q: %w", id, err)
	}
	if !found {
		return ot.Snapshot{}, ErrNotFound
	}
	return ot.Snapshot{Text: rec.Text, Seq: rec.Seq}, nil
}

func (s *BoltStore) Persist(_ context.Context, id string, snap ot.Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		if v := b.Get([]byte(id)); v != nil {
			var cur boltRecord
			if err := json.Unmarshal(v, &cur); err != nil {
				return err
			}
			if cur.Seq > snap.Seq {
				return nil
			}
		}
		data, err := json.Marshal(boltRecord{Text: snap.Text, Seq: snap.Seq, UpdatedAt: time.Now()})
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("persist snapshot %q: %w", id, err)
	}
	return nil
}

func (s *BoltStore) List(_ context.Context) ([]DocumentInfo, error) {
	docs := make([]DocumentInfo, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			docs = append(docs, DocumentInfo{ID: string(k), Seq: rec.Seq, UpdatedAt: rec.UpdatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return docs, nil
}
