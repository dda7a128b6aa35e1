package auth

import (
	"context"
	"errors"
	"time"
)

// AssignmentResolver computes what a user may do inside a tenant.
type AssignmentResolver struct {
	assignments AssignmentStore
	graph       *RoleGraph
	now         func() time.Time
	timeout     time.Duration
}

// NewAssignmentResolver builds a resolver over assignments and graph.
func NewAssignmentResolver(assignments AssignmentStore, graph *RoleGraph, now func() time.Time, timeout time.Duration) (*AssignmentResolver, error) {
	if assignments == nil || graph == nil {
		return nil, errors.New("auth: assignment store and role graph are required")
	}
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &AssignmentResolver{assignments: assignments, graph: graph, now: now, timeout: timeout}, nil
}

// EffectivePermissions unions the resolved permissions of every active,
// unexpired assignment of userID in tenantID. An empty tenantID is the
// global scope; assignments of other tenants never contribute.
func (r *AssignmentResolver) EffectivePermissions(ctx context.Context, userID, tenantID string) (PermissionSet, error) {
	active, err := r.activeAssignments(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	perms := make(PermissionSet)
	for _, a := range active {
		rolePerms, err := r.graph.resolveShared(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		perms.Union(rolePerms)
	}
	return perms, nil
}

// HasPermission reports whether userID holds perm in tenantID. It stops at
// the first assignment that grants perm.
func (r *AssignmentResolver) HasPermission(ctx context.Context, userID, tenantID string, perm Permission) (bool, error) {
	if !perm.Known() {
		return false, nil
	}
	active, err := r.activeAssignments(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	for _, a := range active {
		rolePerms, err := r.graph.resolveShared(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		if rolePerms.Has(perm) {
			return true, nil
		}
	}
	return false, nil
}

// ActiveAssignments lists the assignments that currently grant anything.
func (r *AssignmentResolver) ActiveAssignments(ctx context.Context, userID, tenantID string) ([]RoleAssignment, error) {
	return r.activeAssignments(ctx, userID, tenantID)
}

func (r *AssignmentResolver) activeAssignments(ctx context.Context, userID, tenantID string) ([]RoleAssignment, error) {
	var all []RoleAssignment
	err := bounded(ctx, r.timeout, func(ctx context.Context) error {
		var err error
		all, err = r.assignments.RoleAssignments(ctx, userID, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := r.now()
	active := all[:0:0]
	for _, a := range all {
		// stores filter by tenant already; re-check so a loose store cannot leak grants
		if a.UserID != userID || a.TenantID != tenantID {
			continue
		}
		if a.EffectiveAt(now) {
			active = append(active, a)
		}
	}
	return active, nil
}
