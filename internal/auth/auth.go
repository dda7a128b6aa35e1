package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pantrykit.org/internal/ids"
)

const (
	defaultIssuer          = "pantrykit"
	defaultAccessTTL       = 15 * time.Minute
	defaultRefreshTTL      = 14 * 24 * time.Hour
	defaultVerificationTTL = 48 * time.Hour
	defaultClockSkew       = 5 * time.Second
	minSecretLen           = 32
)

// TokenKind distinguishes the three token families signed with the same key.
type TokenKind string

const (
	KindAccess       TokenKind = "access"
	KindRefresh      TokenKind = "refresh"
	KindVerification TokenKind = "verify"
)

// Claims represents JWT claims used across the service.
type Claims struct {
	Kind TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	Secret          []byte
	Issuer          string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	VerificationTTL time.Duration
	// ClockSkew tolerates issued-at and not-before drift between replicas.
	// Expiry is always enforced strictly.
	ClockSkew time.Duration
	// OpTimeout bounds each token store call.
	OpTimeout time.Duration
	Now       func() time.Time
	Logger    *logrus.Entry
}

// TokenIssuer mints and verifies signed tokens. Refresh and verification
// tokens wrap an opaque identifier tracked by the TokenStore.
type TokenIssuer struct {
	cfg    TokenConfig
	store  TokenStore
	parser *jwt.Parser
}

// NewTokenIssuer validates cfg and builds an issuer backed by store.
func NewTokenIssuer(store TokenStore, cfg TokenConfig) (*TokenIssuer, error) {
	if store == nil {
		return nil, errors.New("auth: token store is required")
	}
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLen)
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = defaultVerificationTTL
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
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
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cfg.Now),
	)
	return &TokenIssuer{cfg: cfg, store: store, parser: parser}, nil
}

// IssueAccessToken signs a stateless access token for userID.
func (t *TokenIssuer) IssueAccessToken(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, invalidf("user id is required")
	}
	now := t.cfg.Now().UTC()
	exp := now.Add(t.cfg.AccessTTL)
	signed, err := t.sign(KindAccess, userID, uuid.NewString(), now, exp)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueRefreshToken persists a new refresh record and returns its opaque id
// together with the signed token wrapping it. An empty familyID starts a
// new rotation family.
func (t *TokenIssuer) IssueRefreshToken(ctx context.Context, userID, familyID string) (string, string, time.Time, error) {
	now := t.cfg.Now().UTC()
	rec := &RefreshToken{
		ID:        ids.NewAt(now),
		UserID:    userID,
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(t.cfg.RefreshTTL),
	}
	if rec.FamilyID == "" {
		rec.FamilyID = rec.ID
	}
	signed, err := t.sign(KindRefresh, userID, rec.ID, now, rec.ExpiresAt)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if err := t.bounded(ctx, func(ctx context.Context) error {
		return t.store.CreateRefreshToken(ctx, rec)
	}); err != nil {
		return "", "", time.Time{}, err
	}
	return rec.ID, signed, rec.ExpiresAt, nil
}

// IssuePair mints an access token and a refresh token in familyID.
func (t *TokenIssuer) IssuePair(ctx context.Context, userID, familyID string) (TokenPair, error) {
	access, accessExp, err := t.IssueAccessToken(userID)
	if err != nil {
		return TokenPair{}, err
	}
	_, refresh, refreshExp, err := t.IssueRefreshToken(ctx, userID, familyID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		UserID:           userID,
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccessToken returns the subject of a valid access token. Every
// failure is ErrTokenInvalid; the reason is only logged.
func (t *TokenIssuer) VerifyAccessToken(token string) (string, error) {
	claims, err := t.verify(token, KindAccess)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Redeem verifies a refresh token and atomically marks its record redeemed.
// It returns the spent record so the caller can rotate within its family.
func (t *TokenIssuer) Redeem(ctx context.Context, token string) (*RefreshToken, error) {
	claims, err := t.verify(token, KindRefresh)
	if err != nil {
		return nil, err
	}
	var rec *RefreshToken
	err = t.bounded(ctx, func(ctx context.Context) error {
		var err error
		rec, err = t.store.RedeemRefreshToken(ctx, claims.ID, t.cfg.Now().UTC())
		return err
	})
	switch {
	case errors.Is(err, ErrNotFound):
		t.cfg.Logger.WithField("token_id", claims.ID).Warn("refresh token not on record")
		return nil, ErrTokenInvalid
	case errors.Is(err, ErrTokenSpent):
		if rec != nil {
			return rec, fmt.Errorf("%w: %w", ErrTokenInvalid, ErrTokenSpent)
		}
		return nil, ErrTokenInvalid
	case err != nil:
		return nil, err
	}
	if rec.UserID != claims.Subject {
		t.cfg.Logger.WithField("token_id", claims.ID).Error("refresh token subject mismatch")
		return nil, ErrTokenInvalid
	}
	return rec, nil
}

// RedeemRefreshToken exchanges a refresh token for a rotated pair. Under
// concurrent redemption of the same token exactly one caller succeeds.
func (t *TokenIssuer) RedeemRefreshToken(ctx context.Context, token string) (TokenPair, error) {
	rec, err := t.Redeem(ctx, token)
	if err != nil {
		return TokenPair{}, collapseTokenError(err)
	}
	return t.IssuePair(ctx, rec.UserID, rec.FamilyID)
}

// Revoke permanently invalidates the refresh record opaqueID.
func (t *TokenIssuer) Revoke(ctx context.Context, opaqueID string) error {
	err := t.bounded(ctx, func(ctx context.Context) error {
		return t.store.RevokeRefreshToken(ctx, opaqueID, t.cfg.Now().UTC())
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RevokeToken verifies a refresh token and revokes the record it wraps.
func (t *TokenIssuer) RevokeToken(ctx context.Context, token string) error {
	claims, err := t.verify(token, KindRefresh)
	if err != nil {
		return err
	}
	return t.Revoke(ctx, claims.ID)
}

// RevokeFamily revokes every refresh token rotated from the same login.
func (t *TokenIssuer) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	var n int64
	err := t.bounded(ctx, func(ctx context.Context) error {
		var err error
		n, err = t.store.RevokeRefreshFamily(ctx, familyID, t.cfg.Now().UTC())
		return err
	})
	return n, err
}

// RevokeUser revokes every live refresh token of userID.
func (t *TokenIssuer) RevokeUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := t.bounded(ctx, func(ctx context.Context) error {
		var err error
		n, err = t.store.RevokeUserRefreshTokens(ctx, userID, t.cfg.Now().UTC())
		return err
	})
	return n, err
}

// IssueVerificationToken records a single-use email verification token.
func (t *TokenIssuer) IssueVerificationToken(ctx context.Context, userID string) (string, error) {
	now := t.cfg.Now().UTC()
	rec := &VerificationToken{
		ID:        ids.NewAt(now),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(t.cfg.VerificationTTL),
	}
	signed, err := t.sign(KindVerification, userID, rec.ID, now, rec.ExpiresAt)
	if err != nil {
		return "", err
	}
	if err := t.bounded(ctx, func(ctx context.Context) error {
		return t.store.CreateVerificationToken(ctx, rec)
	}); err != nil {
		return "", err
	}
	return signed, nil
}

// ConsumeVerificationToken verifies and consumes token, returning its user.
func (t *TokenIssuer) ConsumeVerificationToken(ctx context.Context, token string) (string, error) {
	claims, err := t.verify(token, KindVerification)
	if err != nil {
		return "", err
	}
	var rec *VerificationToken
	err = t.bounded(ctx, func(ctx context.Context) error {
		var err error
		rec, err = t.store.ConsumeVerificationToken(ctx, claims.ID, t.cfg.Now().UTC())
		return err
	})
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTokenSpent):
		t.cfg.Logger.WithField("token_id", claims.ID).Info("verification token rejected by store")
		return "", ErrTokenInvalid
	case err != nil:
		return "", err
	}
	if rec.UserID != claims.Subject {
		return "", ErrTokenInvalid
	}
	return rec.UserID, nil
}

func (t *TokenIssuer) sign(kind TokenKind, subject, id string, now, exp time.Time) (string, error) {
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.cfg.Issuer,
			Subject:   subject,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

func (t *TokenIssuer) verify(token string, kind TokenKind) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	claims := &Claims{}
	if _, err := t.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.cfg.Secret, nil
	}); err != nil {
		t.cfg.Logger.WithError(err).WithField("kind", kind).Debug("token rejected")
		return nil, ErrTokenInvalid
	}
	if reason := t.checkClaims(claims, kind); reason != "" {
		t.cfg.Logger.WithField("kind", kind).WithField("reason", reason).Debug("token rejected")
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (t *TokenIssuer) checkClaims(claims *Claims, kind TokenKind) string {
	switch {
	case claims.Kind != kind:
		return "unexpected token type"
	case strings.TrimSpace(claims.Subject) == "":
		return "subject missing"
	case strings.TrimSpace(claims.ID) == "":
		return "token id missing"
	case claims.IssuedAt == nil:
		return "issued-at missing"
	case !t.cfg.Now().Before(claims.ExpiresAt.Time):
		// the parser grants leeway on expiry too; expiry is exact here
		return "token expired"
	}
	return ""
}

// bounded runs a token-store call under the operation timeout. Driver
// faults surface as ErrDependencyUnavailable like the user-store paths.
func (t *TokenIssuer) bounded(ctx context.Context, fn func(context.Context) error) error {
	return dependencyError(bounded(ctx, t.cfg.OpTimeout, fn))
}

// collapseTokenError strips internal detail from token failures while
// keeping dependency failures retryable.
func collapseTokenError(err error) error {
	if errors.Is(err, ErrTokenInvalid) {
		return ErrTokenInvalid
	}
	return err
}
