// Package memory provides an in-process implementation of every auth store
// contract. It backs tests and the single-node development mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pantrykit.org/internal/auth"
)

var (
	_ auth.Store       = (*Store)(nil)
	_ auth.TokenPurger = (*Store)(nil)
)

// Store is a thread-safe in-memory store. Every conditional operation runs
// under the write lock, which gives the same single-winner guarantee as the
// SQL conditional updates.
type Store struct {
	mu sync.RWMutex

	users         map[string]*auth.User
	usersByEmail  map[string]string
	roles         map[string]*auth.Role
	assignments   map[string]*auth.RoleAssignment
	refreshTokens map[string]*auth.RefreshToken
	verifyTokens  map[string]*auth.VerificationToken
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:         make(map[string]*auth.User),
		usersByEmail:  make(map[string]string),
		roles:         make(map[string]*auth.Role),
		assignments:   make(map[string]*auth.RoleAssignment),
		refreshTokens: make(map[string]*auth.RefreshToken),
		verifyTokens:  make(map[string]*auth.VerificationToken),
	}
}

// Ping is a no-op for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Users --------------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByEmail[u.Email]; ok {
		return fmt.Errorf("email %s: %w", u.Email, auth.ErrConflict)
	}
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, auth.ErrConflict)
	}
	u.Version = 1
	s.users[u.ID] = u.Clone()
	s.usersByEmail[u.Email] = u.ID
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *Store) UpdateUser(ctx context.Context, u *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[u.ID]
	if !ok {
		return auth.ErrNotFound
	}
	if stored.Version != u.Version {
		return fmt.Errorf("user %s version %d: %w", u.ID, u.Version, auth.ErrConflict)
	}
	if stored.Email != u.Email {
		if _, taken := s.usersByEmail[u.Email]; taken {
			return fmt.Errorf("email %s: %w", u.Email, auth.ErrConflict)
		}
		delete(s.usersByEmail, stored.Email)
		s.usersByEmail[u.Email] = u.ID
	}
	u.Version++
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.usersByEmail, u.Email)
	delete(s.users, id)
	for aid, a := range s.assignments {
		if a.UserID == id {
			delete(s.assignments, aid)
		}
	}
	for tid, t := range s.refreshTokens {
		if t.UserID == id {
			delete(s.refreshTokens, tid)
		}
	}
	for tid, t := range s.verifyTokens {
		if t.UserID == id {
			delete(s.verifyTokens, tid)
		}
	}
	return nil
}

// Roles --------------------------------------------------------------------

func (s *Store) Role(ctx context.Context, id string) (*auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyRole(r), nil
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]*auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*auth.Role
	for _, r := range s.roles {
		if r.System || r.TenantID == tenantID {
			out = append(out, copyRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, r *auth.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; ok {
		return fmt.Errorf("role %s: %w", r.ID, auth.ErrConflict)
	}
	for _, existing := range s.roles {
		if existing.TenantID == r.TenantID && existing.Name == r.Name {
			return fmt.Errorf("role name %s: %w", r.Name, auth.ErrConflict)
		}
	}
	s.roles[r.ID] = copyRole(r)
	return nil
}

func (s *Store) UpdateRole(ctx context.Context, r *auth.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return auth.ErrNotFound
	}
	s.roles[r.ID] = copyRole(r)
	return nil
}

// Assignments ---------------------------------------------------------------

func (s *Store) RoleAssignments(ctx context.Context, userID, tenantID string) ([]auth.RoleAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.RoleAssignment
	for _, a := range s.assignments {
		if a.UserID == userID && a.TenantID == tenantID {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a *auth.RoleAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assignments {
		if existing.Active && existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.TenantID == a.TenantID {
			return fmt.Errorf("assignment %s/%s/%s: %w", a.UserID, a.RoleID, a.TenantID, auth.ErrConflict)
		}
	}
	c := copyAssignment(a)
	s.assignments[a.ID] = &c
	return nil
}

func (s *Store) DeactivateAssignment(ctx context.Context, tenantID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok || a.TenantID != tenantID || !a.Active {
		return auth.ErrNotFound
	}
	a.Active = false
	return nil
}

// Tokens -------------------------------------------------------------------

func (s *Store) CreateRefreshToken(ctx context.Context, t *auth.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refreshTokens[t.ID]; ok {
		return auth.ErrConflict
	}
	c := *t
	s.refreshTokens[t.ID] = &c
	return nil
}

func (s *Store) RedeemRefreshToken(ctx context.Context, id string, now time.Time) (*auth.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshTokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if !t.Redeemable(now) {
		c := *t
		return &c, auth.ErrTokenSpent
	}
	at := now
	t.RedeemedAt = &at
	c := *t
	return &c, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshTokens[id]
	if !ok {
		return auth.ErrNotFound
	}
	if t.RevokedAt == nil {
		at := now
		t.RevokedAt = &at
	}
	return nil
}

func (s *Store) RevokeRefreshFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	return s.revokeWhere(ctx, now, func(t *auth.RefreshToken) bool { return t.FamilyID == familyID })
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	return s.revokeWhere(ctx, now, func(t *auth.RefreshToken) bool { return t.UserID == userID })
}

func (s *Store) revokeWhere(ctx context.Context, now time.Time, match func(*auth.RefreshToken) bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.refreshTokens {
		if t.RevokedAt == nil && match(t) {
			at := now
			t.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateVerificationToken(ctx context.Context, t *auth.VerificationToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.verifyTokens[t.ID]; ok {
		return auth.ErrConflict
	}
	c := *t
	s.verifyTokens[t.ID] = &c
	return nil
}

func (s *Store) ConsumeVerificationToken(ctx context.Context, id string, now time.Time) (*auth.VerificationToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.verifyTokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if !t.Consumable(now) {
		c := *t
		return &c, auth.ErrTokenSpent
	}
	at := now
	t.ConsumedAt = &at
	c := *t
	return &c, nil
}

// PurgeExpiredTokens drops token records that expired before before.
func (s *Store) PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.refreshTokens {
		if t.ExpiresAt.Before(before) {
			delete(s.refreshTokens, id)
			n++
		}
	}
	for id, t := range s.verifyTokens {
		if t.ExpiresAt.Before(before) {
			delete(s.verifyTokens, id)
			n++
		}
	}
	return n, nil
}

func copyRole(r *auth.Role) *auth.Role {
	c := *r
	c.Permissions = append([]auth.Permission(nil), r.Permissions...)
	return &c
}

func copyAssignment(a *auth.RoleAssignment) auth.RoleAssignment {
	c := *a
	if a.ExpiresAt != nil {
		exp := *a.ExpiresAt
		c.ExpiresAt = &exp
	}
	return c
}
