package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	UserStore
	RoleStore
	AssignmentStore
	TokenStore
	Ping(ctx context.Context) error
}

// UserStore manages identity records.
type UserStore interface {
	// CreateUser returns ErrConflict when the email is already registered.
	CreateUser(ctx context.Context, u *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	// UpdateUser persists u only if the stored version still equals u.Version.
	// It returns ErrConflict on a stale version and bumps u.Version on success.
	UpdateUser(ctx context.Context, u *User) error
	// DeleteUser removes the user together with its assignments and tokens.
	// It returns ErrNotFound when no such user exists.
	DeleteUser(ctx context.Context, id string) error
}

// RoleStore manages the role forest.
type RoleStore interface {
	Role(ctx context.Context, id string) (*Role, error)
	// ListRoles returns system roles plus the roles owned by tenantID.
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
}

// AssignmentStore manages role assignments.
type AssignmentStore interface {
	// RoleAssignments returns every assignment of userID scoped to exactly tenantID.
	RoleAssignments(ctx context.Context, userID, tenantID string) ([]RoleAssignment, error)
	// CreateAssignment returns ErrConflict when an active assignment of the
	// same (user, role, tenant) exists.
	CreateAssignment(ctx context.Context, a *RoleAssignment) error
	DeactivateAssignment(ctx context.Context, tenantID, id string) error
}

// TokenStore tracks refresh and verification tokens. Redeem and consume
// are single conditional updates: under a race exactly one caller wins.
type TokenStore interface {
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	// RedeemRefreshToken marks the token redeemed if it is neither redeemed,
	// revoked nor expired at now. Losers get ErrTokenSpent together with the
	// current record, or ErrNotFound.
	RedeemRefreshToken(ctx context.Context, id string, now time.Time) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string, now time.Time) error
	RevokeRefreshFamily(ctx context.Context, familyID string, now time.Time) (int64, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error)

	CreateVerificationToken(ctx context.Context, t *VerificationToken) error
	ConsumeVerificationToken(ctx context.Context, id string, now time.Time) (*VerificationToken, error)
}

// TokenPurger drops token records whose expiry is older than before.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}
