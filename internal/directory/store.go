// Package directory publishes the address of the active dispatcher so workers can find it.
//
// A directory is a single mutable value. The dispatcher registers its advertised address at
// startup and clears it on exit; workers poll until an address is present.
package directory

import (
	"context"
	"strings"
	"sync"
)

// Store holds the current dispatcher address. An empty string means no address is set.
type Store interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, address string) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the address in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	address string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get implements Store.
func (s *MemoryStore) Get(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, address string) error {
	s.mu.Lock()
	s.address = strings.TrimSpace(address)
	s.mu.Unlock()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	s.address = ""
	s.mu.Unlock()
	return nil
}
