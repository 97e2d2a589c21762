// Package memory keeps crawl state and records in-memory for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// RecordStore stores records as JSON documents keyed by collection and key.
type RecordStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewRecordStore creates a new in-memory record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		data: make(map[string]map[string][]byte),
	}
}

// Put marshals the record and overwrites any document stored under collection/key.
func (s *RecordStore) Put(_ context.Context, collection, key string, record any) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return fmt.Errorf("collection and key are required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.data[collection]
	if !ok {
		docs = make(map[string][]byte)
		s.data[collection] = docs
	}
	docs[key] = payload
	return nil
}

// Get returns a copy of the stored document.
func (s *RecordStore) Get(collection, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data[collection][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), doc...), true
}

// Count returns the number of documents in a collection.
func (s *RecordStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[collection])
}
