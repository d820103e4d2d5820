// Package pgstore is the shared/server snapshot.Store backend (SPEC_FULL.md
// §10.4), using github.com/jackc/pgx/v5, grounded on mtlprog-stat's
// internal/snapshot PgRepository: the same upsert-by-key, scan-into-struct
// shape, generalized from fund snapshots to workbook snapshots and from a
// date key to a (workbook_id, savepoint_seq) key.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cellforge/engine/internal/snapshot"
)

// Store is a pgx-backed snapshot.Store. It assumes a table of the shape:
//
//	CREATE TABLE workbook_snapshots (
//	    workbook_id    TEXT NOT NULL,
//	    savepoint_seq  BIGINT NOT NULL,
//	    data           BYTEA NOT NULL,
//	    PRIMARY KEY (workbook_id, savepoint_seq)
//	);
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect snapshot store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save upserts snap's JSON encoding at (workbookID, seq).
func (s *Store) Save(ctx context.Context, workbookID string, seq int64, snap snapshot.WorkbookSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workbook_snapshots (workbook_id, savepoint_seq, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (workbook_id, savepoint_seq) DO UPDATE SET data = $3`,
		workbookID, seq, payload)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Latest returns the highest-seq snapshot stored for workbookID.
func (s *Store) Latest(ctx context.Context, workbookID string) (snapshot.WorkbookSnapshot, int64, error) {
	var payload []byte
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT savepoint_seq, data FROM workbook_snapshots
		 WHERE workbook_id = $1
		 ORDER BY savepoint_seq DESC
		 LIMIT 1`, workbookID).Scan(&seq, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snapshot.WorkbookSnapshot{}, 0, snapshot.ErrNotFound
		}
		return snapshot.WorkbookSnapshot{}, 0, fmt.Errorf("load latest snapshot: %w", err)
	}
	var snap snapshot.WorkbookSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return snapshot.WorkbookSnapshot{}, 0, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, seq, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
