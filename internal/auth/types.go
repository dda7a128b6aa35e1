package auth

import (
	"strings"
	"time"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	StatusPendingVerification UserStatus = "pending_verification"
	StatusActive              UserStatus = "active"
	StatusSuspended           UserStatus = "suspended"
	StatusLocked              UserStatus = "locked"
	StatusDeleted             UserStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s UserStatus) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusActive, StatusSuspended, StatusLocked, StatusDeleted:
		return true
	}
	return false
}

// User is an identity record. Version guards conditional updates.
type User struct {
	ID              string
	Email           string
	DisplayName     string
	PasswordHash    string
	Status          UserStatus
	FailedLogins    int
	LockedUntil     *time.Time
	EmailVerifiedAt *time.Time
	DeletedAt       *time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers can prepare a conditional update.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.LockedUntil = cloneTime(u.LockedUntil)
	c.EmailVerifiedAt = cloneTime(u.EmailVerifiedAt)
	c.DeletedAt = cloneTime(u.DeletedAt)
	return &c
}

// LockedAt reports whether the lockout window is still open at now.
func (u *User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Role is a named permission bundle with at most one parent. An empty
// TenantID marks a system role that is visible in every tenant.
type Role struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	ParentID    string       `json:"parent_id,omitempty"`
	Permissions []Permission `json:"permissions"`
	// Priority is reserved for deny rules; resolution ignores it.
	Priority  int       `json:"priority"`
	System    bool      `json:"system"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsableIn reports whether the role may be assigned within tenantID.
func (r *Role) UsableIn(tenantID string) bool {
	return r.System || r.TenantID == tenantID
}

// RoleUpdate carries a partial role edit. Nil fields are left untouched;
// a non-nil empty ParentID detaches the role from its parent.
type RoleUpdate struct {
	Name        *string
	Description *string
	ParentID    *string
	Permissions []Permission
	Priority    *int
}

// RoleAssignment grants a role to a user inside one tenant. An empty
// TenantID is the global scope.
type RoleAssignment struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	TenantID   string     `json:"tenant_id,omitempty"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EffectiveAt reports whether the assignment grants anything at now.
func (a RoleAssignment) EffectiveAt(now time.Time) bool {
	if !a.Active {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// RefreshToken is the server-side record behind a refresh JWT.
type RefreshToken struct {
	ID         string
	UserID     string
	FamilyID   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RedeemedAt *time.Time
	RevokedAt  *time.Time
}

// Redeemable reports whether the record can still be exchanged at now.
func (t *RefreshToken) Redeemable(now time.Time) bool {
	return t.RedeemedAt == nil && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// VerificationToken is the server-side record behind an email verification token.
type VerificationToken struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Consumable reports whether the record can still be used at now.
func (t *VerificationToken) Consumable(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

// TokenPair is returned by login, register and refresh.
type TokenPair struct {
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Profile is the registration input.
type Profile struct {
	Email       string
	Password    string
	DisplayName string
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
