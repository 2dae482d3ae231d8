// Package policy holds the per-(organization, document) auto-approval
// tool set. The backing store is injected so tests can run against an
// in-memory implementation.
package policy

import (
	"context"
	"sort"
	"sync"
)

// Scope identifies whose policy a store entry belongs to.
type Scope struct {
	OrgID      string
	DocumentID string
}

// Store persists the auto-approved tool set per scope. Put replaces
// the whole set.
type Store interface {
	Get(ctx context.Context, scope Scope) ([]string, error)
	Put(ctx context.Context, scope Scope, tools []string) error
}

// MemoryStore is a Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu   sync.Mutex
	sets map[Scope][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[Scope][]string)}
}

func (s *MemoryStore) Get(_ context.Context, scope Scope) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]string, len(s.sets[scope]))
	copy(tools, s.sets[scope])
	return tools, nil
}

func (s *MemoryStore) Put(_ context.Context, scope Scope, tools []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]string, len(tools))
	copy(copied, tools)
	sort.Strings(copied)
	s.sets[scope] = copied
	return nil
}
