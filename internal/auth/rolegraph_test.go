package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/store/memory"
)

func newGraph(t *testing.T) (*auth.RoleGraph, *memory.Store) {
	t.Helper()
	store := memory.New()
	g, err := auth.NewRoleGraph(store, auth.GraphConfig{Now: newClock().Now})
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	return g, store
}

func mustCreateRole(t *testing.T, g *auth.RoleGraph, r *auth.Role) *auth.Role {
	t.Helper()
	if err := g.CreateRole(context.Background(), r); err != nil {
		t.Fatalf("create role %s: %v", r.Name, err)
	}
	return r
}

func ptr[T any](v T) *T { return &v }

func TestResolveInheritsAncestorChain(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t)
	a := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "a", Permissions: []auth.Permission{auth.PermRecipeRead}})
	b := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "b", ParentID: a.ID, Permissions: []auth.Permission{auth.PermRecipeCreate}})
	c := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "c", ParentID: b.ID, Permissions: []auth.Permission{auth.PermRecipeShare}})

	perms, err := g.ResolvePermissions(ctx, c.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, p := range []auth.Permission{auth.PermRecipeRead, auth.PermRecipeCreate, auth.PermRecipeShare} {
		if !perms.Has(p) {
			t.Fatalf("missing inherited %s in %v", p, perms.Sorted())
		}
	}
	if len(perms) != 3 {
		t.Fatalf("unexpected extra permissions %v", perms.Sorted())
	}

	// callers get a private copy
	perms.Add(auth.PermAdminTenants)
	again, _ := g.ResolvePermissions(ctx, c.ID)
	if again.Has(auth.PermAdminTenants) {
		t.Fatal("resolved set leaked into the cache")
	}
}

func TestUpdateRoleRejectsCycles(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t)
	a := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "a"})
	b := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "b", ParentID: a.ID})
	c := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "c", ParentID: b.ID})

	if _, err := g.UpdateRole(ctx, "T1", a.ID, auth.RoleUpdate{ParentID: ptr(c.ID)}); !errors.Is(err, auth.ErrCyclicRole) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	if _, err := g.UpdateRole(ctx, "T1", a.ID, auth.RoleUpdate{ParentID: ptr(a.ID)}); !errors.Is(err, auth.ErrCyclicRole) {
		t.Fatalf("expected self-parent rejection, got %v", err)
	}
	stored, _ := g.Role(ctx, a.ID)
	if stored.ParentID != "" {
		t.Fatalf("rejected update was committed: parent=%q", stored.ParentID)
	}

	// detaching and re-attaching elsewhere is fine
	if _, err := g.UpdateRole(ctx, "T1", c.ID, auth.RoleUpdate{ParentID: ptr("")}); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := g.UpdateRole(ctx, "T1", a.ID, auth.RoleUpdate{ParentID: ptr(c.ID)}); err != nil {
		t.Fatalf("reparent after detach: %v", err)
	}
}

func TestResolveStopsOnStoredCycle(t *testing.T) {
	ctx := context.Background()
	g, store := newGraph(t)
	// a corrupt store bypassing the graph's write checks
	_ = store.CreateRole(ctx, &auth.Role{ID: "x", TenantID: "T1", Name: "x", ParentID: "y"})
	_ = store.CreateRole(ctx, &auth.Role{ID: "y", TenantID: "T1", Name: "y", ParentID: "x"})

	if _, err := g.ResolvePermissions(ctx, "x"); !errors.Is(err, auth.ErrCyclicRole) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestRoleWritesInvalidateCache(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t)
	base := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "base", Permissions: []auth.Permission{auth.PermRecipeRead}})
	child := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "child", ParentID: base.ID})

	perms, _ := g.ResolvePermissions(ctx, child.ID)
	if !perms.Has(auth.PermRecipeRead) {
		t.Fatal("expected inherited read")
	}

	// editing an ancestor must be visible through the cached descendant
	if _, err := g.UpdateRole(ctx, "T1", base.ID, auth.RoleUpdate{Permissions: []auth.Permission{auth.PermIngredientRead}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	perms, _ = g.ResolvePermissions(ctx, child.ID)
	if perms.Has(auth.PermRecipeRead) || !perms.Has(auth.PermIngredientRead) {
		t.Fatalf("stale resolution after write: %v", perms.Sorted())
	}
}

func TestConcurrentResolveDuringWrites(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t)
	role := mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "r", Permissions: []auth.Permission{auth.PermRecipeRead}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := g.ResolvePermissions(ctx, role.ID); err != nil {
					t.Errorf("resolve: %v", err)
					return
				}
			}
		}()
	}
	for j := 0; j < 20; j++ {
		perm := auth.PermRecipeRead
		if j%2 == 1 {
			perm = auth.PermRecipeUpdate
		}
		if _, err := g.UpdateRole(ctx, "T1", role.ID, auth.RoleUpdate{Permissions: []auth.Permission{perm}}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	wg.Wait()

	perms, _ := g.ResolvePermissions(ctx, role.ID)
	if !perms.Has(auth.PermRecipeUpdate) || perms.Has(auth.PermRecipeRead) {
		t.Fatalf("final resolution does not match last write: %v", perms.Sorted())
	}
}

func TestRoleValidation(t *testing.T) {
	ctx := context.Background()
	g, _ := newGraph(t)
	for _, r := range auth.BuiltinRoles() {
		if err := g.Seed(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	other := mustCreateRole(t, g, &auth.Role{TenantID: "T2", Name: "other"})

	cases := map[string]struct {
		role *auth.Role
		want error
	}{
		"unknown permission": {&auth.Role{TenantID: "T1", Name: "x", Permissions: []auth.Permission{"recipe.*"}}, auth.ErrUnknownPermission},
		"missing name":       {&auth.Role{TenantID: "T1", Name: "  "}, auth.ErrInvalidInput},
		"global custom role": {&auth.Role{Name: "global"}, auth.ErrInvalidInput},
		"foreign parent":     {&auth.Role{TenantID: "T1", Name: "x", ParentID: other.ID}, auth.ErrInvalidInput},
		"missing parent":     {&auth.Role{TenantID: "T1", Name: "x", ParentID: "nope"}, auth.ErrInvalidInput},
	}
	for name, tc := range cases {
		if err := g.CreateRole(ctx, tc.role); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}

	// system roles can be extended but never edited
	mustCreateRole(t, g, &auth.Role{TenantID: "T1", Name: "sous-chef", ParentID: auth.RoleEditor})
	if _, err := g.UpdateRole(ctx, "", auth.RoleViewer, auth.RoleUpdate{Name: ptr("reader")}); !errors.Is(err, auth.ErrSystemRoleImmutable) {
		t.Fatalf("expected immutable system role, got %v", err)
	}
	if _, err := g.UpdateRole(ctx, "T1", other.ID, auth.RoleUpdate{Name: ptr("mine")}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("cross-tenant edit: expected not found, got %v", err)
	}

	roles, err := g.ListRoles(ctx, "T1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roles) != len(auth.BuiltinRoles())+1 {
		t.Fatalf("expected builtins plus one tenant role, got %d", len(roles))
	}
}
