package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository stores roles, permissions and location-scoped grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) q(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

// EnsurePermission upserts a permission ensuring description is stored.
func (r *Repository) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	var p Permission
	err := r.q(ctx).QueryRow(ctx, `INSERT INTO permissions (name, description) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
RETURNING id, name, description`, name, description).Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: ensure permission: %w", err)
	}
	return p, nil
}

// EnsureRole inserts the role if it does not exist and returns it.
func (r *Repository) EnsureRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := r.q(ctx).QueryRow(ctx, `INSERT INTO roles (name, description) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, updated_at = NOW()
RETURNING id, name, description, created_at, updated_at`, name, description).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: ensure role: %w", err)
	}
	return role, nil
}

// SetRolePermissions replaces the permissions attached to a role.
func (r *Repository) SetRolePermissions(ctx context.Context, roleID int64, names []string) error {
	q := r.q(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM role_permissions WHERE role_id=$1`, roleID); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	tag, err := q.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, id FROM permissions WHERE name = ANY($2)`, roleID, names)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(names) {
		return fmt.Errorf("rbac: unknown permission in %s", strings.Join(names, ","))
	}
	return nil
}

// Grant assigns a role to a user at a location, or everywhere when locationID is nil.
func (r *Repository) Grant(ctx context.Context, g Grant) error {
	_, err := r.q(ctx).Exec(ctx, `INSERT INTO user_location_roles (user_id, role_id, location_id) VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`, g.UserID, g.RoleID, g.LocationID)
	return err
}

// Revoke removes a grant.
func (r *Repository) Revoke(ctx context.Context, g Grant) error {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM user_location_roles
WHERE user_id=$1 AND role_id=$2 AND location_id IS NOT DISTINCT FROM $3`, g.UserID, g.RoleID, g.LocationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LocationPermissions returns permission names the user holds at the location,
// counting grants scoped to every location.
func (r *Repository) LocationPermissions(ctx context.Context, userID, locationID int64) ([]string, error) {
	rows, err := r.q(ctx).Query(ctx, `SELECT DISTINCT p.name
FROM user_location_roles ulr
JOIN role_permissions rp ON rp.role_id = ulr.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ulr.user_id = $1 AND (ulr.location_id IS NULL OR ulr.location_id = $2)
ORDER BY p.name`, userID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetRole fetches a role by name.
func (r *Repository) GetRole(ctx context.Context, name string) (Role, error) {
	var role Role
	err := r.q(ctx).QueryRow(ctx, `SELECT id, name, description, created_at, updated_at FROM roles WHERE name=$1`, name).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}
