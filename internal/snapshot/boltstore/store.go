// Package boltstore is the embedded single-file snapshot.Store backend
// (SPEC_FULL.md §10.4), using go.etcd.io/bbolt. It is the default backend
// for cmd/wbctl, storing one workbook per bucket and one JSON-encoded
// snapshot per sequence number.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cellforge/engine/internal/snapshot"
)

// Store is a bbolt-backed snapshot.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

// Save writes snap under workbookID's bucket at key seq, JSON-encoded.
func (s *Store) Save(ctx context.Context, workbookID string, seq int64, snap snapshot.WorkbookSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(workbookID))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", workbookID, err)
		}
		return bucket.Put(seqKey(seq), payload)
	})
}

// Latest returns the highest-seq snapshot stored for workbookID.
func (s *Store) Latest(ctx context.Context, workbookID string) (snapshot.WorkbookSnapshot, int64, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.WorkbookSnapshot{}, 0, err
	}
	var snap snapshot.WorkbookSnapshot
	var seq int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(workbookID))
		if bucket == nil {
			return snapshot.ErrNotFound
		}
		cursor := bucket.Cursor()
		key, payload := cursor.Last()
		if key == nil {
			return snapshot.ErrNotFound
		}
		seq = int64(binary.BigEndian.Uint64(key))
		return json.Unmarshal(payload, &snap)
	})
	if err != nil {
		return snapshot.WorkbookSnapshot{}, 0, err
	}
	return snap, seq, nil
}

// Close releases the underlying bolt file handle.
func (s *Store) Close() error { return s.db.Close() }
