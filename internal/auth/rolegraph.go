package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"pantrykit.org/internal/ids"
	"pantrykit.org/internal/obs"
)

const (
	defaultRoleCacheSize = 1024
	// maxRoleDepth bounds every ancestor walk.
	maxRoleDepth = 32
)

// GraphConfig configures a RoleGraph.
type GraphConfig struct {
	CacheSize int
	OpTimeout time.Duration
	Now       func() time.Time
	Logger    *logrus.Entry
}

type cachedPermissions struct {
	generation uint64
	perms      PermissionSet
}

// RoleGraph resolves a role's permissions through its ancestors and owns
// every role write so that the memo cache is invalidated after each one.
//
// A cached entry is only served when it was computed in the current
// generation. Writers bump the generation after the store commit, so a
// resolution that started before a write can never be served after it.
type RoleGraph struct {
	roles      RoleStore
	cfg        GraphConfig
	cache      *lru.Cache[string, cachedPermissions]
	generation atomic.Uint64
	group      singleflight.Group
	writeMu    sync.Mutex
}

// NewRoleGraph builds a graph over roles.
func NewRoleGraph(roles RoleStore, cfg GraphConfig) (*RoleGraph, error) {
	if roles == nil {
		return nil, errors.New("auth: role store is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultRoleCacheSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	cache, err := lru.New[string, cachedPermissions](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("auth: role cache: %w", err)
	}
	return &RoleGraph{roles: roles, cfg: cfg, cache: cache}, nil
}

// ResolvePermissions returns the union of roleID's own permissions and
// those of all its ancestors.
func (g *RoleGraph) ResolvePermissions(ctx context.Context, roleID string) (PermissionSet, error) {
	perms, err := g.resolveShared(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return perms.Clone(), nil
}

// resolveShared returns a set that may be shared with the cache. Callers
// must not modify it.
func (g *RoleGraph) resolveShared(ctx context.Context, roleID string) (PermissionSet, error) {
	gen := g.generation.Load()
	if entry, ok := g.cache.Get(roleID); ok && entry.generation == gen {
		obs.RoleCacheResult("hit")
		return entry.perms, nil
	}
	obs.RoleCacheResult("miss")

	key := fmt.Sprintf("%s@%d", roleID, gen)
	v, err, _ := g.group.Do(key, func() (any, error) {
		perms, err := g.walk(ctx, roleID)
		if err != nil {
			return nil, err
		}
		g.cache.Add(roleID, cachedPermissions{generation: gen, perms: perms})
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(PermissionSet), nil
}

func (g *RoleGraph) walk(ctx context.Context, roleID string) (PermissionSet, error) {
	perms := make(PermissionSet)
	seen := make(map[string]struct{})
	current := roleID
	for depth := 0; current != ""; depth++ {
		if depth >= maxRoleDepth {
			return nil, fmt.Errorf("%w: depth limit reached at %s", ErrCyclicRole, current)
		}
		if _, ok := seen[current]; ok {
			g.cfg.Logger.WithField("role_id", roleID).WithField("repeat", current).Error("role cycle detected")
			return nil, fmt.Errorf("%w: %s revisited from %s", ErrCyclicRole, current, roleID)
		}
		seen[current] = struct{}{}

		role, err := g.loadRole(ctx, current)
		if err != nil {
			if errors.Is(err, ErrNotFound) && current != roleID {
				return nil, fmt.Errorf("%w: ancestor %s of %s", ErrNotFound, current, roleID)
			}
			return nil, err
		}
		perms.Add(role.Permissions...)
		current = role.ParentID
	}
	return perms, nil
}

// Invalidate drops every memoized resolution.
func (g *RoleGraph) Invalidate() {
	g.generation.Add(1)
	g.cache.Purge()
}

// Role loads a single role.
func (g *RoleGraph) Role(ctx context.Context, id string) (*Role, error) {
	return g.loadRole(ctx, id)
}

// ListRoles lists system roles and the custom roles of tenantID.
func (g *RoleGraph) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	var roles []*Role
	err := bounded(ctx, g.cfg.OpTimeout, func(ctx context.Context) error {
		var err error
		roles, err = g.roles.ListRoles(ctx, tenantID)
		return err
	})
	return roles, err
}

// CreateRole validates and stores a custom role owned by r.TenantID.
func (g *RoleGraph) CreateRole(ctx context.Context, r *Role) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return invalidf("role name is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return invalidf("custom roles belong to a tenant")
	}
	if err := validatePermissions(r.Permissions); err != nil {
		return err
	}
	r.System = false

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if r.ParentID != "" {
		if err := g.checkParent(ctx, r.TenantID, "", r.ParentID); err != nil {
			return err
		}
	}
	now := g.cfg.Now().UTC()
	if r.ID == "" {
		r.ID = ids.NewAt(now)
	}
	r.CreatedAt, r.UpdatedAt = now, now
	err := bounded(ctx, g.cfg.OpTimeout, func(ctx context.Context) error {
		return g.roles.CreateRole(ctx, r)
	})
	if err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// UpdateRole applies upd to the custom role id owned by tenantID.
// Reparenting runs a bounded ancestor walk and refuses to commit a cycle.
func (g *RoleGraph) UpdateRole(ctx context.Context, tenantID, id string, upd RoleUpdate) (*Role, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	role, err := g.loadRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if role.System {
		return nil, ErrSystemRoleImmutable
	}
	if role.TenantID != tenantID {
		return nil, ErrNotFound
	}

	next := *role
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, invalidf("role name is required")
		}
		next.Name = name
	}
	if upd.Description != nil {
		next.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Permissions != nil {
		if err := validatePermissions(upd.Permissions); err != nil {
			return nil, err
		}
		next.Permissions = append([]Permission(nil), upd.Permissions...)
	}
	if upd.Priority != nil {
		next.Priority = *upd.Priority
	}
	if upd.ParentID != nil {
		parent := strings.TrimSpace(*upd.ParentID)
		if parent != "" {
			if err := g.checkParent(ctx, tenantID, id, parent); err != nil {
				return nil, err
			}
		}
		next.ParentID = parent
	}
	next.UpdatedAt = g.cfg.Now().UTC()

	err = bounded(ctx, g.cfg.OpTimeout, func(ctx context.Context) error {
		return g.roles.UpdateRole(ctx, &next)
	})
	if err != nil {
		return nil, err
	}
	g.Invalidate()
	return &next, nil
}

// Seed writes a system role definition, bypassing the immutability guard.
func (g *RoleGraph) Seed(ctx context.Context, r Role) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	r.System = true
	r.TenantID = ""
	now := g.cfg.Now().UTC()
	existing, err := g.loadRole(ctx, r.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		r.CreatedAt, r.UpdatedAt = now, now
		err = bounded(ctx, g.cfg.OpTimeout, func(ctx context.Context) error {
			return g.roles.CreateRole(ctx, &r)
		})
	case err != nil:
		return err
	default:
		r.CreatedAt, r.UpdatedAt = existing.CreatedAt, now
		err = bounded(ctx, g.cfg.OpTimeout, func(ctx context.Context) error {
			return g.roles.UpdateRole(ctx, &r)
		})
	}
	if err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// checkParent verifies parentID exists, is usable in tenantID and does not
// have roleID among its ancestors.
func (g *RoleGraph) checkParent(ctx context.Context, tenantID, roleID, parentID string) error {
	if parentID == roleID {
		return rejectf(ErrCyclicRole, "role cannot be its own parent")
	}
	parent, err := g.loadRole(ctx, parentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidf("parent role not found")
		}
		return err
	}
	if !parent.UsableIn(tenantID) {
		return invalidf("parent role belongs to another tenant")
	}
	current := parent.ParentID
	for depth := 1; current != ""; depth++ {
		if depth >= maxRoleDepth {
			return rejectf(ErrCyclicRole, "ancestry deeper than %d", maxRoleDepth)
		}
		if current == roleID {
			return rejectf(ErrCyclicRole, "role is an ancestor of its new parent")
		}
		ancestor, err := g.loadRole(ctx, current)
		if err != nil {
			return err
		}
		current = ancestor.ParentID
	}
	return nil
}

func (g *RoleGraph) loadRole(ctx context.Context, id string) (*Role, error) {
	var role *Role
	err := bounded(ctx, g.cfg.OpTimeout, func(ctx context.Context) error {
		var err error
		role, err = g.roles.Role(ctx, id)
		return err
	})
	return role, err
}

func validatePermissions(perms []Permission) error {
	for _, p := range perms {
		if !p.Known() {
			return rejectf(ErrUnknownPermission, "%q", p)
		}
	}
	return nil
}
