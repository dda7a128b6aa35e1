package auth

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"pantrykit.org/internal/obs"
)

// Decision is the outcome of an authorization check.
type Decision string

const (
	Allow        Decision = "allow"
	Unauthorized Decision = "unauthorized"
	Forbidden    Decision = "forbidden"
)

// Err maps a negative decision to its boundary error.
func (d Decision) Err() error {
	switch d {
	case Unauthorized:
		return ErrUnauthorized
	case Forbidden:
		return ErrForbidden
	}
	return nil
}

// Verdict carries the decision and, when the token verified, the caller.
type Verdict struct {
	Decision Decision `json:"decision"`
	UserID   string   `json:"user_id,omitempty"`
}

// DecisionPoint is the single gate every protected request flows through.
type DecisionPoint struct {
	tokens   *TokenIssuer
	resolver *AssignmentResolver
	log      *logrus.Entry
}

// NewDecisionPoint wires the token issuer and the assignment resolver.
func NewDecisionPoint(tokens *TokenIssuer, resolver *AssignmentResolver, log *logrus.Entry) *DecisionPoint {
	if log == nil {
		log = discardLogger()
	}
	return &DecisionPoint{tokens: tokens, resolver: resolver, log: log}
}

// Authorize verifies accessToken and checks perm within tenantID. The error
// is non-nil only when a dependency failed; the caller should retry later.
func (d *DecisionPoint) Authorize(ctx context.Context, accessToken string, perm Permission, tenantID string) (Verdict, error) {
	userID, err := d.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		obs.AuthzDecision(string(Unauthorized))
		return Verdict{Decision: Unauthorized}, nil
	}
	v, err := d.Check(ctx, userID, perm, tenantID)
	if err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// Check decides for an already authenticated user.
func (d *DecisionPoint) Check(ctx context.Context, userID string, perm Permission, tenantID string) (Verdict, error) {
	ok, err := d.resolver.HasPermission(ctx, userID, tenantID, perm)
	if err != nil {
		d.log.WithError(err).WithField("user_id", userID).Warn("permission lookup failed")
		return Verdict{}, dependencyError(err)
	}
	if !ok {
		obs.AuthzDecision(string(Forbidden))
		return Verdict{Decision: Forbidden, UserID: userID}, nil
	}
	obs.AuthzDecision(string(Allow))
	return Verdict{Decision: Allow, UserID: userID}, nil
}

// Authenticate verifies accessToken and returns the caller's id.
func (d *DecisionPoint) Authenticate(accessToken string) (string, error) {
	userID, err := d.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// Principal represents a caller with its permissions resolved in one tenant.
type Principal struct {
	UserID      string
	TenantID    string
	Permissions PermissionSet
}

// HasPermission reports whether the principal holds perm.
func (p Principal) HasPermission(perm Permission) bool {
	return p.Permissions.Has(perm)
}

// Principal resolves the full permission set of userID in tenantID.
func (d *DecisionPoint) Principal(ctx context.Context, userID, tenantID string) (Principal, error) {
	perms, err := d.resolver.EffectivePermissions(ctx, userID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{UserID: userID, TenantID: tenantID, Permissions: PermissionSet{}}, nil
		}
		return Principal{}, dependencyError(err)
	}
	return Principal{UserID: userID, TenantID: tenantID, Permissions: perms}, nil
}
