package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/toval/docchat/internal/wire"
)

// CatalogFunc fetches the backend tool catalog; EnableAll uses it to
// resolve the full read-write tool list.
type CatalogFunc func(ctx context.Context) (wire.ToolCatalog, error)

// Policy is the auto-approval decision surface for one scope. The
// explicit tool set persists through the Store; the global ApproveAll
// flag is session-only and bypasses the set entirely.
type Policy struct {
	mu         sync.Mutex
	store      Store
	scope      Scope
	catalog    CatalogFunc
	tools      map[string]struct{}
	approveAll bool
}

// Load reads the persisted tool set for the scope.
func Load(ctx context.Context, store Store, scope Scope, catalog CatalogFunc) (*Policy, error) {
	names, err := store.Get(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	tools := make(map[string]struct{}, len(names))
	for _, name := range names {
		tools[name] = struct{}{}
	}
	return &Policy{store: store, scope: scope, catalog: catalog, tools: tools}, nil
}

// SetApproveAll flips the global bypass flag.
func (p *Policy) SetApproveAll(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approveAll = enabled
}

// ApproveAll reports whether every tool is approved without a
// round-trip.
func (p *Policy) ApproveAll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.approveAll
}

// IsAutoApproved reports whether the named tool bypasses manual
// approval under the current policy.
func (p *Policy) IsAutoApproved(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.approveAll {
		return true
	}
	_, ok := p.tools[name]
	return ok
}

// AutoApproved returns the explicit tool set, sorted.
func (p *Policy) AutoApproved() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Toggle adds or removes one tool and persists the result.
func (p *Policy) Toggle(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tools[name]; ok {
		delete(p.tools, name)
	} else {
		p.tools[name] = struct{}{}
	}
	return p.persistLocked(ctx)
}

// Add marks one tool auto-approved and persists the result.
func (p *Policy) Add(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tools[name]; ok {
		return nil
	}
	p.tools[name] = struct{}{}
	return p.persistLocked(ctx)
}

// Reset clears the explicit set and the bypass flag.
func (p *Policy) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools = make(map[string]struct{})
	p.approveAll = false
	return p.persistLocked(ctx)
}

// EnableAll fetches the current read-write catalog and marks every
// tool in it auto-approved.
func (p *Policy) EnableAll(ctx context.Context) error {
	if p.catalog == nil {
		return fmt.Errorf("enable all tools: no catalog source configured")
	}
	catalog, err := p.catalog(ctx)
	if err != nil {
		return fmt.Errorf("enable all tools: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range catalog.ReadWrite {
		p.tools[name] = struct{}{}
	}
	return p.persistLocked(ctx)
}

func (p *Policy) snapshotLocked() []string {
	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Policy) persistLocked(ctx context.Context) error {
	if err := p.store.Put(ctx, p.scope, p.snapshotLocked()); err != nil {
		return fmt.Errorf("persist policy: %w", err)
	}
	return nil
}
