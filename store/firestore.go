package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/docsync/ot"
)

// FirestoreStore is a Firestore-backed implementation of SnapshotStore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "snapshots"
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) Load(ctx context.Context, id string) (ot.Snapshot, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return ot.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return ot.Snapshot{}, fmt.Errorf("load snapshot %q: %w", id, err)
	}
	info := snapshotToDocInfo(id, snap)
	text, _ := snap.Data()["text"].(string)
	return ot.Snapshot{Text: text, Seq: info.Seq}, nil
}

func snapshotToDocInfo(id string, snap *firestore.DocumentSnapshot) DocumentInfo {
	data := snap.Data()
	seq, _ := data["globalSeq"].(int64)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return DocumentInfo{ID: id, Seq: seq, UpdatedAt: updatedAt}
}

func (s *FirestoreStore) Persist(ctx context.Context, id string, snap ot.Snapshot) error {
	ref := s.docRef(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cur, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if snapshotToDocInfo(id, cur).Seq > snap.Seq {
				return nil
			}
		}
		return tx.Set(ref, map[string]interface{}{
			"text":      snap.Text,
			"globalSeq": snap.Seq,
			"updatedAt": time.Now(),
		})
	})
	if err != nil {
		return fmt.Errorf("persist snapshot %q: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).
		Select("globalSeq", "updatedAt").
		Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, snapshotToDocInfo(snap.Ref.ID, snap))
	}
	return result, nil
}
