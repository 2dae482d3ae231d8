package policy

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/toval/docchat/internal/wire"
)

func TestPolicyToggleAddReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	scope := Scope{OrgID: "org_1", DocumentID: "doc_1"}

	pol, err := Load(ctx, store, scope, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := pol.Add(ctx, "run_extraction"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pol.Add(ctx, "run_extraction"); err != nil {
		t.Fatalf("idempotent add: %v", err)
	}
	if err := pol.Toggle(ctx, "create_schema"); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	want := []string{"create_schema", "run_extraction"}
	if got := pol.AutoApproved(); !reflect.DeepEqual(got, want) {
		t.Fatalf("auto approved = %v, want %v", got, want)
	}
	if !pol.IsAutoApproved("run_extraction") {
		t.Fatalf("run_extraction should be auto approved")
	}
	if pol.IsAutoApproved("delete_everything") {
		t.Fatalf("unknown tool should not be auto approved")
	}

	if err := pol.Toggle(ctx, "create_schema"); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if pol.IsAutoApproved("create_schema") {
		t.Fatalf("toggled-off tool should not be auto approved")
	}

	if err := pol.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := pol.AutoApproved(); len(got) != 0 {
		t.Fatalf("expected empty set after reset, got %v", got)
	}
}

func TestPolicyApproveAllBypassesSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pol, err := Load(ctx, NewMemoryStore(), Scope{OrgID: "o", DocumentID: "d"}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pol.SetApproveAll(true)
	if !pol.ApproveAll() {
		t.Fatalf("approve all flag should be set")
	}
	if !pol.IsAutoApproved("anything_at_all") {
		t.Fatalf("approve all should cover every tool")
	}
	// The bypass is session-only and never leaks into the explicit set.
	if got := pol.AutoApproved(); len(got) != 0 {
		t.Fatalf("explicit set should stay empty, got %v", got)
	}

	if err := pol.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if pol.ApproveAll() {
		t.Fatalf("reset should clear the bypass flag")
	}
}

func TestPolicyScopesAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()

	first, err := Load(ctx, store, Scope{OrgID: "org_1", DocumentID: "doc_a"}, nil)
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	if err := first.Add(ctx, "run_extraction"); err != nil {
		t.Fatalf("add: %v", err)
	}

	second, err := Load(ctx, store, Scope{OrgID: "org_1", DocumentID: "doc_b"}, nil)
	if err != nil {
		t.Fatalf("load second: %v", err)
	}
	if second.IsAutoApproved("run_extraction") {
		t.Fatalf("policy must not leak across documents")
	}
}

func TestPolicyEnableAllUsesCatalog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	catalog := func(ctx context.Context) (wire.ToolCatalog, error) {
		return wire.ToolCatalog{
			ReadOnly:  []string{"get_extraction"},
			ReadWrite: []string{"run_extraction", "create_schema"},
		}, nil
	}

	pol, err := Load(ctx, NewMemoryStore(), Scope{OrgID: "o", DocumentID: "d"}, catalog)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := pol.EnableAll(ctx); err != nil {
		t.Fatalf("enable all: %v", err)
	}

	want := []string{"create_schema", "run_extraction"}
	if got := pol.AutoApproved(); !reflect.DeepEqual(got, want) {
		t.Fatalf("auto approved = %v, want %v", got, want)
	}
	// Read-only tools never need approval, so the catalog's read-only
	// half is not added.
	if pol.IsAutoApproved("get_extraction") {
		t.Fatalf("read-only tool should not enter the explicit set")
	}
}

func TestPolicyEnableAllErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	pol, err := Load(ctx, NewMemoryStore(), Scope{OrgID: "o", DocumentID: "d"}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := pol.EnableAll(ctx); err == nil {
		t.Fatalf("expected error without a catalog source")
	}

	broken := func(ctx context.Context) (wire.ToolCatalog, error) {
		return wire.ToolCatalog{}, errors.New("backend down")
	}
	pol, err = Load(ctx, NewMemoryStore(), Scope{OrgID: "o", DocumentID: "d"}, broken)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := pol.EnableAll(ctx); err == nil {
		t.Fatalf("expected catalog error to propagate")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.db")

	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	scope := Scope{OrgID: "org_1", DocumentID: "doc_1"}
	if err := store.Put(ctx, scope, []string{"run_extraction", "create_schema"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Put replaces the whole set.
	if err := store.Put(ctx, scope, []string{"run_extraction"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, scope)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := []string{"run_extraction"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted set = %v, want %v", got, want)
	}

	other, err := reopened.Get(ctx, Scope{OrgID: "org_1", DocumentID: "doc_other"})
	if err != nil {
		t.Fatalf("get other scope: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected tools for other scope: %v", other)
	}
}
