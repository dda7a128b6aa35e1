package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pantrykit.org/internal/ids"
	"pantrykit.org/internal/obs"
)

const (
	defaultOpTimeout         = 3 * time.Second
	defaultLockoutThreshold  = 5
	defaultLockoutDuration   = 15 * time.Minute
	defaultVerificationGrace = 72 * time.Hour
	minPasswordLen           = 8
	maxPasswordLen           = 1024
	maxEmailLen              = 254
	// maxCASAttempts bounds optimistic retries on a contended user row.
	maxCASAttempts = 16
)

// VerificationSender delivers email verification tokens.
type VerificationSender interface {
	SendVerification(ctx context.Context, user *User, token string) error
}

// Service orchestrates login, registration, refresh and email verification.
type Service struct {
	store Store
	now   func() time.Time
	log   *logrus.Entry

	tokenStore   TokenStore
	tokenSecret  []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	verifyTTL    time.Duration
	clockSkew    time.Duration
	opTimeout    time.Duration
	hashParams   HashParams
	hashWorkers  int
	hashTimeout  time.Duration
	cacheSize    int
	lockoutMax   int
	lockoutFor   time.Duration
	verifyGrace  time.Duration
	defaultRole  string
	sender       VerificationSender
	reuseRevokes bool

	passwords *PasswordVerifier
	tokens    *TokenIssuer
	graph     *RoleGraph
	resolver  *AssignmentResolver
	decisions *DecisionPoint
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithVerificationTTL configures email verification token lifetime.
func WithVerificationTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.verifyTTL = ttl
		}
		return nil
	}
}

// WithClockSkew sets the tolerated issued-at drift.
func WithClockSkew(skew time.Duration) ServiceOption {
	return func(s *Service) error {
		if skew < 0 {
			return errors.New("auth: clock skew must not be negative")
		}
		s.clockSkew = skew
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for internal failure reasons.
func WithLogger(log *logrus.Entry) ServiceOption {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithTokenStore moves refresh and verification tokens to a dedicated store.
func WithTokenStore(ts TokenStore) ServiceOption {
	return func(s *Service) error {
		if ts != nil {
			s.tokenStore = ts
		}
		return nil
	}
}

// WithOpTimeout bounds every store call.
func WithOpTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.opTimeout = d
		}
		return nil
	}
}

// WithHashParams configures argon2id cost.
func WithHashParams(p HashParams) ServiceOption {
	return func(s *Service) error {
		if p.MemoryKiB == 0 || p.Iterations == 0 {
			return errors.New("auth: hash memory and iterations are required")
		}
		s.hashParams = p
		return nil
	}
}

// WithHashConcurrency limits parallel password hashes and bounds each wait.
func WithHashConcurrency(workers int, timeout time.Duration) ServiceOption {
	return func(s *Service) error {
		if workers > 0 {
			s.hashWorkers = workers
		}
		if timeout > 0 {
			s.hashTimeout = timeout
		}
		return nil
	}
}

// WithRoleCacheSize sizes the role resolution cache.
func WithRoleCacheSize(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.cacheSize = n
		}
		return nil
	}
}

// WithLockout sets how many consecutive failures lock an account and for how long.
func WithLockout(threshold int, duration time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold <= 0 || duration <= 0 {
			return errors.New("auth: lockout threshold and duration must be positive")
		}
		s.lockoutMax = threshold
		s.lockoutFor = duration
		return nil
	}
}

// WithVerificationGrace lets unverified accounts log in for d after registration.
func WithVerificationGrace(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d >= 0 {
			s.verifyGrace = d
		}
		return nil
	}
}

// WithDefaultRole assigns roleID to every new account.
func WithDefaultRole(roleID string) ServiceOption {
	return func(s *Service) error {
		s.defaultRole = strings.TrimSpace(roleID)
		return nil
	}
}

// WithVerificationSender sets the delivery channel for verification tokens.
func WithVerificationSender(sender VerificationSender) ServiceOption {
	return func(s *Service) error {
		if sender != nil {
			s.sender = sender
		}
		return nil
	}
}

// WithReuseDetection revokes a whole rotation family when a spent refresh
// token is presented again.
func WithReuseDetection(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.reuseRevokes = enabled
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokenSecret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:       store,
		now:         time.Now,
		log:         discardLogger(),
		tokenStore:  store,
		tokenSecret: tokenSecret,
		opTimeout:   defaultOpTimeout,
		hashParams:  DefaultHashParams,
		lockoutMax:  defaultLockoutThreshold,
		lockoutFor:  defaultLockoutDuration,
		verifyGrace: defaultVerificationGrace,
		defaultRole: RoleViewer,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.sender == nil {
		svc.sender = logSender{log: svc.log}
	}

	var err error
	svc.tokens, err = NewTokenIssuer(svc.tokenStore, TokenConfig{
		Secret:          svc.tokenSecret,
		Issuer:          svc.issuer,
		AccessTTL:       svc.accessTTL,
		RefreshTTL:      svc.refreshTTL,
		VerificationTTL: svc.verifyTTL,
		ClockSkew:       svc.clockSkew,
		OpTimeout:       svc.opTimeout,
		Now:             svc.now,
		Logger:          svc.log.WithField("component", "tokens"),
	})
	if err != nil {
		return nil, err
	}
	svc.graph, err = NewRoleGraph(store, GraphConfig{
		CacheSize: svc.cacheSize,
		OpTimeout: svc.opTimeout,
		Now:       svc.now,
		Logger:    svc.log.WithField("component", "roles"),
	})
	if err != nil {
		return nil, err
	}
	svc.resolver, err = NewAssignmentResolver(store, svc.graph, svc.now, svc.opTimeout)
	if err != nil {
		return nil, err
	}
	svc.decisions = NewDecisionPoint(svc.tokens, svc.resolver, svc.log.WithField("component", "authz"))
	svc.passwords = NewPasswordVerifier(svc.hashParams, svc.hashWorkers, svc.hashTimeout)

	// unknown-email logins verify against this so they cost the same
	var seed [18]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	svc.dummyHash, err = HashPassword(base64.RawURLEncoding.EncodeToString(seed[:]), svc.hashParams)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// Tokens exposes the token issuer.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

// Roles exposes the role graph.
func (s *Service) Roles() *RoleGraph { return s.graph }

// Resolver exposes the assignment resolver.
func (s *Service) Resolver() *AssignmentResolver { return s.resolver }

// Decisions exposes the authorization decision point.
func (s *Service) Decisions() *DecisionPoint { return s.decisions }

// Passwords exposes the password verifier.
func (s *Service) Passwords() *PasswordVerifier { return s.passwords }

// EnsureBuiltins seeds the system roles.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	for _, r := range BuiltinRoles() {
		if err := s.graph.Seed(ctx, r); err != nil {
			return fmt.Errorf("seed role %s: %w", r.ID, err)
		}
	}
	return nil
}

// Login authenticates email and password and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	pair, outcome, err := s.login(ctx, email, password)
	obs.LoginOutcome(outcome)
	return pair, err
}

func (s *Service) login(ctx context.Context, email, password string) (TokenPair, string, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, "invalid", ErrInvalidCredentials
	}

	user, err := s.userByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_, _ = s.passwords.Verify(ctx, password, s.dummyHash)
		return TokenPair{}, "invalid", ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, "error", err
	}

	now := s.now()
	if user.LockedAt(now) {
		return TokenPair{}, "locked", ErrAccountLocked
	}
	ok, err := s.passwords.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		return TokenPair{}, "error", err
	}
	if user.Status == StatusSuspended || user.Status == StatusDeleted || user.DeletedAt != nil {
		return TokenPair{}, "invalid", ErrInvalidCredentials
	}
	if !ok {
		locked, err := s.recordFailure(ctx, user)
		if err != nil {
			return TokenPair{}, "error", err
		}
		if locked {
			s.log.WithField("user_id", user.ID).Warn("account locked after repeated failures")
			return TokenPair{}, "lockout", ErrInvalidCredentials
		}
		return TokenPair{}, "invalid", ErrInvalidCredentials
	}

	user, err = s.recordSuccess(ctx, user, password)
	if err != nil {
		if errors.Is(err, ErrAccountLocked) {
			return TokenPair{}, "locked", err
		}
		return TokenPair{}, "error", err
	}
	if !s.canLogin(user, now) {
		return TokenPair{}, "unverified", ErrInvalidCredentials
	}

	pair, err := s.tokens.IssuePair(ctx, user.ID, "")
	if err != nil {
		return TokenPair{}, "error", err
	}
	return pair, "success", nil
}

// canLogin applies the account-status gate after a correct password.
func (s *Service) canLogin(u *User, now time.Time) bool {
	switch s.settledStatus(u, now) {
	case StatusActive:
		return true
	case StatusPendingVerification:
		return now.Before(u.CreatedAt.Add(s.verifyGrace))
	}
	return false
}

// settledStatus resolves an expired lock back to the status it interrupted.
func (s *Service) settledStatus(u *User, now time.Time) UserStatus {
	if u.Status != StatusLocked || u.LockedAt(now) {
		return u.Status
	}
	if u.EmailVerifiedAt != nil {
		return StatusActive
	}
	return StatusPendingVerification
}

// recordFailure counts a failed attempt with a conditional update and
// reloads on conflict, so concurrent failures are never lost.
func (s *Service) recordFailure(ctx context.Context, user *User) (bool, error) {
	current := user
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.now()
		if current.LockedAt(now) {
			return true, nil
		}
		next := current.Clone()
		if next.Status == StatusLocked {
			next.Status = s.settledStatus(current, now)
			next.FailedLogins = 0
			next.LockedUntil = nil
		}
		next.FailedLogins++
		locked := false
		if next.FailedLogins >= s.lockoutMax {
			until := now.Add(s.lockoutFor).UTC()
			next.Status = StatusLocked
			next.LockedUntil = &until
			locked = true
		}
		next.UpdatedAt = now.UTC()

		err := s.updateUser(ctx, next)
		switch {
		case err == nil:
			return locked, nil
		case errors.Is(err, ErrConflict):
			current, err = s.userByID(ctx, user.ID)
			if err != nil {
				return false, err
			}
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("%w: user %s is too contended", ErrDependencyUnavailable, user.ID)
}

// recordSuccess clears failure state and upgrades outdated hashes.
func (s *Service) recordSuccess(ctx context.Context, user *User, password string) (*User, error) {
	var rehash string
	if s.passwords.NeedsRehash(user.PasswordHash) {
		h, err := s.passwords.Hash(ctx, password)
		if err != nil {
			s.log.WithError(err).WithField("user_id", user.ID).Warn("password rehash skipped")
		} else {
			rehash = h
		}
	}

	current := user
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.now()
		if current.LockedAt(now) {
			return nil, ErrAccountLocked
		}
		if current.FailedLogins == 0 && current.Status != StatusLocked && rehash == "" {
			return current, nil
		}
		next := current.Clone()
		next.Status = s.settledStatus(current, now)
		next.FailedLogins = 0
		next.LockedUntil = nil
		if rehash != "" {
			next.PasswordHash = rehash
		}
		next.UpdatedAt = now.UTC()

		err := s.updateUser(ctx, next)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, ErrConflict):
			var lerr error
			current, lerr = s.userByID(ctx, user.ID)
			if lerr != nil {
				return nil, lerr
			}
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: user %s is too contended", ErrDependencyUnavailable, user.ID)
}

// Register creates a pending account, grants the default role in the
// global scope and issues a token pair. A verification token is handed to
// the sender. When any step after the insert fails the account is removed
// again so the email stays available for a retry.
func (s *Service) Register(ctx context.Context, p Profile) (TokenPair, error) {
	email := NormalizeEmail(p.Email)
	if email == "" || len(email) > maxEmailLen || !strings.Contains(email, "@") ||
		strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return TokenPair{}, invalidf("valid email is required")
	}
	if len(p.Password) < minPasswordLen || len(p.Password) > maxPasswordLen {
		return TokenPair{}, invalidf("password must be %d to %d characters", minPasswordLen, maxPasswordLen)
	}

	if _, err := s.userByEmail(ctx, email); err == nil {
		return TokenPair{}, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return TokenPair{}, err
	}

	hash, err := s.passwords.Hash(ctx, p.Password)
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.NewAt(now),
		Email:        email,
		DisplayName:  strings.TrimSpace(p.DisplayName),
		PasswordHash: hash,
		Status:       StatusPendingVerification,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = bounded(ctx, s.opTimeout, func(ctx context.Context) error {
		return s.store.CreateUser(ctx, user)
	})
	if errors.Is(err, ErrConflict) {
		return TokenPair{}, ErrEmailTaken
	}
	if err != nil {
		return TokenPair{}, dependencyError(err)
	}

	pair, err := s.completeRegistration(ctx, user)
	if err != nil {
		s.discardUser(ctx, user.ID)
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Service) completeRegistration(ctx context.Context, user *User) (TokenPair, error) {
	if s.defaultRole != "" {
		_, err := s.AssignRole(ctx, RoleAssignment{
			UserID:     user.ID,
			RoleID:     s.defaultRole,
			AssignedBy: "system",
		})
		if err != nil {
			s.log.WithError(err).WithField("role_id", s.defaultRole).Error("default role assignment failed")
			if KindOf(err) == KindDependencyUnavailable {
				return TokenPair{}, err
			}
			// a default role that cannot be granted is misconfiguration, not bad input
			return TokenPair{}, fmt.Errorf("assign default role %s: %v", s.defaultRole, err)
		}
	}

	token, err := s.tokens.IssueVerificationToken(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.sender.SendVerification(ctx, user, token); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Warn("verification delivery failed")
	}
	return s.tokens.IssuePair(ctx, user.ID, "")
}

// discardUser removes a half-registered account. It runs detached from the
// caller's cancellation since the caller may already have given up.
func (s *Service) discardUser(ctx context.Context, userID string) {
	err := bounded(context.WithoutCancel(ctx), s.opTimeout, func(ctx context.Context) error {
		return s.store.DeleteUser(ctx, userID)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.log.WithError(err).WithField("user_id", userID).Error("could not remove incomplete registration")
		return
	}
	s.log.WithField("user_id", userID).Warn("incomplete registration removed")
}

// Refresh rotates a refresh token. Presenting a spent token fails with
// ErrTokenInvalid and, with reuse detection on, revokes its whole family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	rec, err := s.tokens.Redeem(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrTokenSpent) && rec != nil && rec.RedeemedAt != nil {
			s.log.WithField("user_id", rec.UserID).WithField("family_id", rec.FamilyID).Warn("refresh token replayed")
			if s.reuseRevokes {
				if n, rerr := s.tokens.RevokeFamily(ctx, rec.FamilyID); rerr != nil {
					s.log.WithError(rerr).Error("family revocation failed")
				} else {
					s.log.WithField("revoked", n).Warn("refresh family revoked")
				}
			}
		}
		err = collapseTokenError(err)
		obs.RefreshOutcome(outcomeFor(err))
		return TokenPair{}, err
	}

	user, err := s.userByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = ErrTokenInvalid
		}
		obs.RefreshOutcome(outcomeFor(err))
		return TokenPair{}, err
	}
	if user.Status == StatusSuspended || user.Status == StatusDeleted || user.DeletedAt != nil {
		obs.RefreshOutcome("invalid")
		return TokenPair{}, ErrTokenInvalid
	}

	pair, err := s.tokens.IssuePair(ctx, rec.UserID, rec.FamilyID)
	obs.RefreshOutcome(outcomeFor(err))
	return pair, err
}

// VerifyEmail consumes a verification token and activates the account.
// Invalid, expired and replayed tokens report false without an error.
func (s *Service) VerifyEmail(ctx context.Context, token string) (bool, error) {
	userID, err := s.tokens.ConsumeVerificationToken(ctx, token)
	if errors.Is(err, ErrTokenInvalid) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		user, err := s.userByID(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		now := s.now().UTC()
		next := user.Clone()
		if next.EmailVerifiedAt == nil {
			next.EmailVerifiedAt = &now
		}
		if next.Status == StatusPendingVerification {
			next.Status = StatusActive
		}
		next.UpdatedAt = now
		err = s.updateUser(ctx, next)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return false, err
		}
	}
	return false, fmt.Errorf("%w: user %s is too contended", ErrDependencyUnavailable, userID)
}

// Logout revokes the presented refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.tokens.RevokeToken(ctx, refreshToken)
}

// RevokeAll revokes every refresh token of userID.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return s.tokens.RevokeUser(ctx, userID)
}

// Authorize verifies accessToken and checks perm within tenantID.
func (s *Service) Authorize(ctx context.Context, accessToken string, perm Permission, tenantID string) (Verdict, error) {
	return s.decisions.Authorize(ctx, accessToken, perm, tenantID)
}

// User loads a user by id.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	return s.userByID(ctx, id)
}

func (s *Service) userByEmail(ctx context.Context, email string) (*User, error) {
	var u *User
	err := bounded(ctx, s.opTimeout, func(ctx context.Context) error {
		var err error
		u, err = s.store.UserByEmail(ctx, email)
		return err
	})
	return u, dependencyError(err)
}

func (s *Service) userByID(ctx context.Context, id string) (*User, error) {
	var u *User
	err := bounded(ctx, s.opTimeout, func(ctx context.Context) error {
		var err error
		u, err = s.store.UserByID(ctx, id)
		return err
	})
	return u, dependencyError(err)
}

func (s *Service) updateUser(ctx context.Context, u *User) error {
	err := bounded(ctx, s.opTimeout, func(ctx context.Context) error {
		return s.store.UpdateUser(ctx, u)
	})
	return dependencyError(err)
}

// bounded runs fn under a deadline. Timeouts and cancellations surface as
// ErrDependencyUnavailable; they are never retried here.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return err
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid"
	default:
		return "error"
	}
}

type logSender struct {
	log *logrus.Entry
}

func (l logSender) SendVerification(_ context.Context, user *User, _ string) error {
	l.log.WithField("user_id", user.ID).Info("verification token issued; no mailer configured")
	return nil
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
