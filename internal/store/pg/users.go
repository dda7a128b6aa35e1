package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pantrykit.org/internal/auth"
)

const userColumns = `id, email, display_name, password_hash, status, failed_logins,
	locked_until, email_verified_at, deleted_at, version, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, display_name, password_hash, status, failed_logins,
			locked_until, email_verified_at, deleted_at, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, string(u.Status), u.FailedLogins,
		nullTime(u.LockedUntil), nullTime(u.EmailVerifiedAt), nullTime(u.DeletedAt),
		u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		return mapError(err)
	}
	u.Version = 1
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email)
	return scanUser(row)
}

func (s *Store) UserByID(ctx context.Context, id string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

// UpdateUser writes u only if the stored version still equals u.Version.
func (s *Store) UpdateUser(ctx context.Context, u *auth.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set email = $1, display_name = $2, password_hash = $3, status = $4, failed_logins = $5,
			locked_until = $6, email_verified_at = $7, deleted_at = $8, updated_at = $9,
			version = version + 1
		where id = $10 and version = $11
	`, u.Email, u.DisplayName, u.PasswordHash, string(u.Status), u.FailedLogins,
		nullTime(u.LockedUntil), nullTime(u.EmailVerifiedAt), nullTime(u.DeletedAt), u.UpdatedAt.UTC(),
		u.ID, u.Version)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		u.Version++
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `select 1 from users where id = $1`, u.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("user %s version %d: %w", u.ID, u.Version, auth.ErrConflict)
}

// DeleteUser removes the user and its dependent rows in one transaction.
// The schema cascades too; the explicit deletes keep drivers without
// enforced foreign keys consistent.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`delete from role_assignments where user_id = $1`,
			`delete from refresh_tokens where user_id = $1`,
			`delete from verification_tokens where user_id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return mapError(err)
			}
		}
		res, err := tx.ExecContext(ctx, `delete from users where id = $1`, id)
		if err != nil {
			return mapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return auth.ErrNotFound
		}
		return nil
	})
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	var status string
	var lockedUntil, verifiedAt, delAt sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &status, &u.FailedLogins,
		&lockedUntil, &verifiedAt, &delAt, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Status = auth.UserStatus(status)
	u.LockedUntil = timePtr(lockedUntil)
	u.EmailVerifiedAt = timePtr(verifiedAt)
	u.DeletedAt = timePtr(delAt)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
