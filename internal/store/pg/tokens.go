package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pantrykit.org/internal/auth"
)

func (s *Store) CreateRefreshToken(ctx context.Context, t *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, family_id, issued_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.FamilyID, t.IssuedAt.UTC(), t.ExpiresAt.UTC())
	return mapError(err)
}

// RedeemRefreshToken marks the token redeemed in one conditional update.
// Losers get the current record and ErrTokenSpent.
func (s *Store) RedeemRefreshToken(ctx context.Context, id string, now time.Time) (*auth.RefreshToken, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set redeemed_at = $1
		where id = $2 and redeemed_at is null and revoked_at is null and expires_at > $1
	`, now, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	rec, err := s.refreshToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return rec, auth.ErrTokenSpent
	}
	return rec, nil
}

func (s *Store) refreshToken(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var t auth.RefreshToken
	var redeemed, revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, family_id, issued_at, expires_at, redeemed_at, revoked_at
		from refresh_tokens where id = $1
	`, id).Scan(&t.ID, &t.UserID, &t.FamilyID, &t.IssuedAt, &t.ExpiresAt, &redeemed, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.RedeemedAt = timePtr(redeemed)
	t.RevokedAt = timePtr(revoked)
	return &t, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = coalesce(revoked_at, $1) where id = $2
	`, now.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeRefreshFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $1 where family_id = $2 and revoked_at is null
	`, now.UTC(), familyID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $1 where user_id = $2 and revoked_at is null
	`, now.UTC(), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateVerificationToken(ctx context.Context, t *auth.VerificationToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verification_tokens (id, user_id, created_at, expires_at)
		values ($1, $2, $3, $4)
	`, t.ID, t.UserID, t.CreatedAt.UTC(), t.ExpiresAt.UTC())
	return mapError(err)
}

func (s *Store) ConsumeVerificationToken(ctx context.Context, id string, now time.Time) (*auth.VerificationToken, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		update verification_tokens
		set consumed_at = $1
		where id = $2 and consumed_at is null and expires_at > $1
	`, now, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	var t auth.VerificationToken
	var consumed sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		select id, user_id, created_at, expires_at, consumed_at
		from verification_tokens where id = $1
	`, id).Scan(&t.ID, &t.UserID, &t.CreatedAt, &t.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ConsumedAt = timePtr(consumed)
	if n == 0 {
		return &t, auth.ErrTokenSpent
	}
	return &t, nil
}

// PurgeExpiredTokens deletes refresh and verification records that expired
// before the cutoff.
func (s *Store) PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`delete from refresh_tokens where expires_at < $1`,
			`delete from verification_tokens where expires_at < $1`,
		} {
			res, err := tx.ExecContext(ctx, q, before.UTC())
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
