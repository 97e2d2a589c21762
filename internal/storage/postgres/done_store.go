package postgres

import (
	"context"
	"fmt"
	"strings"
)

// DefaultDoneTable holds uids of jobs that must never be crawled again.
const DefaultDoneTable = "done_jobs"

// DoneStore persists the dispatcher's done-set.
//
// Expected schema:
//
//	CREATE TABLE done_jobs (
//		uid     TEXT PRIMARY KEY,
//		done_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type DoneStore struct {
	pool  Pool
	table string
}

// NewDoneStore wraps an open pool. An empty table name selects DefaultDoneTable.
func NewDoneStore(pool Pool, table string) (*DoneStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, DefaultDoneTable)
	if err != nil {
		return nil, err
	}
	return &DoneStore{pool: pool, table: table}, nil
}

// LoadDone returns every uid in the table.
func (s *DoneStore) LoadDone(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT uid FROM %s ORDER BY done_at`, s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to load done jobs: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan done job: %w", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate done jobs: %w", err)
	}
	return uids, nil
}

// AppendDone inserts uids, ignoring ones already present.
func (s *DoneStore) AppendDone(ctx context.Context, uids ...string) error {
	clean := make([]string, 0, len(uids))
	for _, uid := range uids {
		if uid = strings.TrimSpace(uid); uid != "" {
			clean = append(clean, uid)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (uid)
SELECT unnest($1::text[])
ON CONFLICT (uid) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, clean); err != nil {
		return fmt.Errorf("failed to append done jobs: %w", err)
	}
	return nil
}
