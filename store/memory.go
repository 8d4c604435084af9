package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alimasry/docsync/ot"
)

type docRecord struct {
	snap      ot.Snapshot
	updatedAt time.Time
}

// MemoryStore is an in-memory implementation of SnapshotStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (ot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return ot.Snapshot{}, ErrNotFound
	}
	return rec.snap, nil
}

func (s *MemoryStore) Persist(_ context.Context, id string, snap ot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.docs[id]; ok && rec.snap.Seq > snap.Seq {
		return nil
	}
	s.docs[id] = &docRecord{snap: snap, updatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.docs))
	for id, rec := range s.docs {
		result = append(result, DocumentInfo{ID: id, Seq: rec.snap.Seq, UpdatedAt: rec.updatedAt})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
