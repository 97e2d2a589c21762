package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultRecordsTable stores crawl records as JSONB documents.
const DefaultRecordsTable = "records"

// RecordStore upserts crawl records keyed by (collection, key).
//
// Expected schema:
//
//	CREATE TABLE records (
//		collection TEXT NOT NULL,
//		key        TEXT NOT NULL,
//		payload    JSONB NOT NULL,
//		stored_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		PRIMARY KEY (collection, key)
//	);
type RecordStore struct {
	pool  Pool
	table string
}

// NewRecordStore wraps an open pool. An empty table name selects DefaultRecordsTable.
func NewRecordStore(pool Pool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, DefaultRecordsTable)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Put inserts the record or replaces the payload already stored under the same key.
func (s *RecordStore) Put(ctx context.Context, collection, key string, record any) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return fmt.Errorf("collection and key are required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (collection, key, payload, stored_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (collection, key) DO UPDATE
SET payload = EXCLUDED.payload, stored_at = EXCLUDED.stored_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, collection, key, payload); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
