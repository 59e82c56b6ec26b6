package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ForbiddenReviewError indicates the actor holds no reviewer role.
type ForbiddenReviewError struct {
	ActorID string
}

func (e ForbiddenReviewError) Error() string {
	return fmt.Sprintf("actor %s holds no evidence reviewer role", e.ActorID)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, programID, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.program_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		programID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequirePermission returns ForbiddenError when the actor lacks perm.
func (s Service) RequirePermission(ctx context.Context, tx *sql.Tx, programID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tx, programID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, programID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE program_id=? AND actor_id=? ORDER BY role_id`, programID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, programID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.program_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, programID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ActorCanReview reports whether the actor holds one of reviewerRoles in the program.
func (s Service) ActorCanReview(ctx context.Context, tx *sql.Tx, programID, actorID string, reviewerRoles []string) (bool, error) {
	roles, err := s.ActorRoles(ctx, tx, programID, actorID)
	if err != nil {
		return false, err
	}
	for _, have := range roles {
		for _, want := range reviewerRoles {
			if have == want {
				return true, nil
			}
		}
	}
	return false, nil
}
