package auth

import (
	"sort"
	"strings"
)

// Permission is an atomic capability drawn from Catalog.
type Permission string

const (
	PermUserRead   Permission = "user.read"
	PermUserUpdate Permission = "user.update"
	PermUserDelete Permission = "user.delete"

	PermProfileRead   Permission = "profile.read"
	PermProfileUpdate Permission = "profile.update"

	PermContentRead     Permission = "content.read"
	PermContentPublish  Permission = "content.publish"
	PermContentModerate Permission = "content.moderate"

	PermRecipeRead   Permission = "recipe.read"
	PermRecipeCreate Permission = "recipe.create"
	PermRecipeUpdate Permission = "recipe.update"
	PermRecipeDelete Permission = "recipe.delete"
	PermRecipeShare  Permission = "recipe.share"

	PermIngredientRead   Permission = "ingredient.read"
	PermIngredientCreate Permission = "ingredient.create"
	PermIngredientUpdate Permission = "ingredient.update"
	PermIngredientDelete Permission = "ingredient.delete"

	PermShoppingListRead   Permission = "shopping_list.read"
	PermShoppingListCreate Permission = "shopping_list.create"
	PermShoppingListUpdate Permission = "shopping_list.update"
	PermShoppingListDelete Permission = "shopping_list.delete"

	PermAdminRoles       Permission = "admin.roles.manage"
	PermAdminAssignments Permission = "admin.assignments.manage"
	PermAdminUsers       Permission = "admin.users.manage"
	PermAdminTenants     Permission = "admin.tenants.manage"
)

// PermissionInfo describes a catalog entry.
type PermissionInfo struct {
	Key         Permission `json:"key"`
	Resource    string     `json:"resource"`
	Description string     `json:"description"`
}

// Catalog is the closed set of permissions. There is no wildcard expansion.
var Catalog = []PermissionInfo{
	{PermUserRead, "user", "Read user accounts"},
	{PermUserUpdate, "user", "Update user accounts"},
	{PermUserDelete, "user", "Delete user accounts"},
	{PermProfileRead, "profile", "Read profiles"},
	{PermProfileUpdate, "profile", "Update profiles"},
	{PermContentRead, "content", "Read published content"},
	{PermContentPublish, "content", "Publish content"},
	{PermContentModerate, "content", "Moderate content"},
	{PermRecipeRead, "recipe", "Read recipes"},
	{PermRecipeCreate, "recipe", "Create recipes"},
	{PermRecipeUpdate, "recipe", "Update recipes"},
	{PermRecipeDelete, "recipe", "Delete recipes"},
	{PermRecipeShare, "recipe", "Share recipes outside the household"},
	{PermIngredientRead, "ingredient", "Read ingredients"},
	{PermIngredientCreate, "ingredient", "Create ingredients"},
	{PermIngredientUpdate, "ingredient", "Update ingredients"},
	{PermIngredientDelete, "ingredient", "Delete ingredients"},
	{PermShoppingListRead, "shopping_list", "Read shopping lists"},
	{PermShoppingListCreate, "shopping_list", "Create shopping lists"},
	{PermShoppingListUpdate, "shopping_list", "Update shopping lists and items"},
	{PermShoppingListDelete, "shopping_list", "Delete shopping lists"},
	{PermAdminRoles, "admin", "Manage tenant roles"},
	{PermAdminAssignments, "admin", "Manage role assignments"},
	{PermAdminUsers, "admin", "Manage users"},
	{PermAdminTenants, "admin", "Manage tenants"},
}

var catalogIndex = func() map[Permission]PermissionInfo {
	m := make(map[Permission]PermissionInfo, len(Catalog))
	for _, p := range Catalog {
		m[p.Key] = p
	}
	return m
}()

// Known reports whether p is part of Catalog.
func (p Permission) Known() bool {
	_, ok := catalogIndex[p]
	return ok
}

// ParsePermission validates raw against Catalog.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.TrimSpace(strings.ToLower(raw)))
	if !p.Known() {
		return "", rejectf(ErrUnknownPermission, "%q", raw)
	}
	return p, nil
}

// ParsePermissions validates and de-duplicates a list.
func ParsePermissions(raw []string) ([]Permission, error) {
	set := make(PermissionSet, len(raw))
	for _, r := range raw {
		p, err := ParsePermission(r)
		if err != nil {
			return nil, err
		}
		set.Add(p)
	}
	return set.Sorted(), nil
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

func (s PermissionSet) Add(perms ...Permission) {
	for _, p := range perms {
		s[p] = struct{}{}
	}
}

func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Union adds every member of other to s.
func (s PermissionSet) Union(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

func (s PermissionSet) Clone() PermissionSet {
	c := make(PermissionSet, len(s))
	c.Union(s)
	return c
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Built-in system role identifiers.
const (
	RoleViewer = "role_viewer"
	RoleEditor = "role_editor"
	RoleOwner  = "role_owner"
	RoleAdmin  = "role_admin"
)

// BuiltinRoles returns the system roles seeded by EnsureBuiltins. The
// household chain is viewer <- editor <- owner; admin stands alone.
func BuiltinRoles() []Role {
	return []Role{
		{
			ID: RoleViewer, Name: "viewer", System: true,
			Description: "Read access to household content",
			Permissions: []Permission{
				PermProfileRead, PermProfileUpdate, PermContentRead,
				PermRecipeRead, PermIngredientRead, PermShoppingListRead,
			},
		},
		{
			ID: RoleEditor, Name: "editor", System: true, ParentID: RoleViewer,
			Description: "Create and edit household content",
			Permissions: []Permission{
				PermRecipeCreate, PermRecipeUpdate,
				PermIngredientCreate, PermIngredientUpdate,
				PermShoppingListCreate, PermShoppingListUpdate,
				PermContentPublish,
			},
		},
		{
			ID: RoleOwner, Name: "owner", System: true, ParentID: RoleEditor, Priority: 10,
			Description: "Household owner",
			Permissions: []Permission{
				PermRecipeDelete, PermRecipeShare,
				PermIngredientDelete, PermShoppingListDelete,
				PermContentModerate, PermUserRead,
				PermAdminRoles, PermAdminAssignments,
			},
		},
		{
			ID: RoleAdmin, Name: "admin", System: true, Priority: 100,
			Description: "Platform administrator",
			Permissions: []Permission{
				PermUserRead, PermUserUpdate, PermUserDelete,
				PermAdminRoles, PermAdminAssignments, PermAdminUsers, PermAdminTenants,
			},
		},
	}
}
