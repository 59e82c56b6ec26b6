package repo

import (
	"context"
	"database/sql"
	"sort"

	"obraline/internal/config"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID, role string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO org_roles(org_id, actor_id, role) VALUES (?,?,?)`, orgID, actorID, role)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) RoleExists(ctx context.Context, tx *sql.Tx, roleID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT count(*) FROM roles WHERE id=?`, roleID).Scan(&n)
	return n > 0, err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, programID, actorID, roleID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(program_id, actor_id, role_id) VALUES (?,?,?)`, programID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, programID, actorID, roleID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE program_id=? AND actor_id=? AND role_id=?`, programID, actorID, roleID)
	return err
}

// SeedRBAC registers the roles and permissions declared in cfg. Existing
// grants are kept.
func (r Repo) SeedRBAC(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := r.InsertRole(ctx, tx, id, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := r.AddRolePermission(ctx, tx, id, perm); err != nil {
				return err
			}
		}
	}
	return nil
}
