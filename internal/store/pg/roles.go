package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"pantrykit.org/internal/auth"
)

const roleColumns = `id, tenant_id, name, description, parent_id, priority, is_system, created_at, updated_at`

func (s *Store) Role(ctx context.Context, id string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id)
	r, err := scanRole(row)
	if err != nil {
		return nil, err
	}
	perms, err := s.rolePermissions(ctx, `select role_id, permission from role_permissions where role_id = $1`, id)
	if err != nil {
		return nil, err
	}
	r.Permissions = perms[r.ID]
	return r, nil
}

// ListRoles returns the system roles plus the roles owned by tenantID.
func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+`
		from roles
		where is_system or tenant_id = $1
		order by name, id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	perms, err := s.rolePermissions(ctx, `
		select rp.role_id, rp.permission
		from role_permissions rp
		join roles r on r.id = rp.role_id
		where r.is_system or r.tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		r.Permissions = perms[r.ID]
	}
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, r *auth.Role) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, tenant_id, name, description, parent_id, priority, is_system, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.ID, r.TenantID, r.Name, r.Description, nullIfEmpty(r.ParentID), r.Priority, r.System,
			r.CreatedAt.UTC(), r.UpdatedAt.UTC()); err != nil {
			return err
		}
		return insertPermissions(ctx, tx, r.ID, r.Permissions)
	})
	return mapError(err)
}

// UpdateRole replaces the stored role and its permission rows.
func (s *Store) UpdateRole(ctx context.Context, r *auth.Role) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update roles
			set name = $1, description = $2, parent_id = $3, priority = $4, is_system = $5, updated_at = $6
			where id = $7
		`, r.Name, r.Description, nullIfEmpty(r.ParentID), r.Priority, r.System, r.UpdatedAt.UTC(), r.ID)
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
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, r.ID); err != nil {
			return err
		}
		return insertPermissions(ctx, tx, r.ID, r.Permissions)
	})
	return mapError(err)
}

func insertPermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []auth.Permission) error {
	seen := make(map[auth.Permission]struct{}, len(perms))
	for _, p := range perms {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission) values ($1, $2)
		`, roleID, string(p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rolePermissions(ctx context.Context, query string, arg string) (map[string][]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]auth.Permission{}
	for rows.Next() {
		var roleID, perm string
		if err := rows.Scan(&roleID, &perm); err != nil {
			return nil, err
		}
		out[roleID] = append(out[roleID], auth.Permission(perm))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i] < out[id][j] })
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRole(row scanner) (*auth.Role, error) {
	var r auth.Role
	var parent sql.NullString
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &parent, &r.Priority, &r.System,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		r.ParentID = parent.String
	}
	r.Permissions = []auth.Permission{}
	return &r, nil
}

// Assignments ---------------------------------------------------------------

const assignmentColumns = `id, user_id, role_id, tenant_id, assigned_by, expires_at, active, created_at`

func (s *Store) RoleAssignments(ctx context.Context, userID, tenantID string) ([]auth.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+assignmentColumns+`
		from role_assignments
		where user_id = $1 and tenant_id = $2
		order by id
	`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RoleAssignment
	for rows.Next() {
		var a auth.RoleAssignment
		var expires sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.TenantID, &a.AssignedBy, &expires, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ExpiresAt = timePtr(expires)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAssignment relies on a partial unique index over active rows.
func (s *Store) CreateAssignment(ctx context.Context, a *auth.RoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments (id, user_id, role_id, tenant_id, assigned_by, expires_at, active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.UserID, a.RoleID, a.TenantID, a.AssignedBy, nullTime(a.ExpiresAt), a.Active, a.CreatedAt.UTC())
	if err != nil {
		err = mapError(err)
		if errors.Is(err, auth.ErrConflict) {
			return fmt.Errorf("assignment %s/%s/%s: %w", a.UserID, a.RoleID, a.TenantID, auth.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) DeactivateAssignment(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update role_assignments set active = $1 where id = $2 and tenant_id = $3 and active
	`, false, id, tenantID)
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
