package auth

import (
	"context"
	"errors"
	"strings"

	"pantrykit.org/internal/ids"
)

// AssignRole grants a role to a user inside a.TenantID. The role must be a
// system role or belong to that tenant, and the expiry must lie ahead.
func (s *Service) AssignRole(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	a.UserID = strings.TrimSpace(a.UserID)
	a.RoleID = strings.TrimSpace(a.RoleID)
	a.TenantID = strings.TrimSpace(a.TenantID)
	if a.UserID == "" {
		return RoleAssignment{}, invalidf("user_id is required")
	}
	if a.RoleID == "" {
		return RoleAssignment{}, invalidf("role_id is required")
	}
	now := s.now().UTC()
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return RoleAssignment{}, invalidf("expires_at must be in the future")
	}

	if _, err := s.userByID(ctx, a.UserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return RoleAssignment{}, invalidf("user not found")
		}
		return RoleAssignment{}, err
	}
	role, err := s.graph.Role(ctx, a.RoleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RoleAssignment{}, invalidf("role not found")
		}
		return RoleAssignment{}, dependencyError(err)
	}
	if !role.UsableIn(a.TenantID) {
		return RoleAssignment{}, invalidf("role is not available in this tenant")
	}

	a.ID = ids.NewAt(now)
	a.Active = true
	a.CreatedAt = now
	err = bounded(ctx, s.opTimeout, func(ctx context.Context) error {
		return s.store.CreateAssignment(ctx, &a)
	})
	if err != nil {
		return RoleAssignment{}, dependencyError(err)
	}
	return a, nil
}

// RevokeAssignment deactivates an assignment of tenantID.
func (s *Service) RevokeAssignment(ctx context.Context, tenantID, assignmentID string) error {
	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return invalidf("assignment id is required")
	}
	err := bounded(ctx, s.opTimeout, func(ctx context.Context) error {
		return s.store.DeactivateAssignment(ctx, strings.TrimSpace(tenantID), assignmentID)
	})
	return dependencyError(err)
}

// Principal resolves userID's permission set in tenantID.
func (s *Service) Principal(ctx context.Context, userID, tenantID string) (Principal, error) {
	return s.decisions.Principal(ctx, userID, tenantID)
}
