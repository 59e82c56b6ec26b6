package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"obraline/internal/domain"
	"obraline/internal/engine/auth"
	"obraline/internal/events"
	"obraline/internal/repo"
)

// Authorize returns auth.ForbiddenError unless the actor holds perm in the program.
func (e Engine) Authorize(ctx context.Context, programID, actorID, perm string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return e.Auth.RequirePermission(ctx, tx, programID, actorID, perm)
}

// AuthorizeReview returns auth.ForbiddenReviewError unless the actor holds a
// reviewer role. Programs without reviewer roles let evidence.review decide.
func (e Engine) AuthorizeReview(ctx context.Context, programID, actorID string) error {
	cfg, err := e.programConfig(ctx, nil, programID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if len(cfg.RBAC.ReviewerRoles) == 0 {
		return e.Auth.RequirePermission(ctx, tx, programID, actorID, "evidence.review")
	}
	ok, err := e.Auth.ActorCanReview(ctx, tx, programID, actorID, cfg.RBAC.ReviewerRoles)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenReviewError{ActorID: actorID}
	}
	return nil
}

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, programID, actorID string) (WhoAmI, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WhoAmI{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, programID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, programID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	return WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole gives target a role in the program; the granter needs rbac.manage.
func (e Engine) GrantRole(ctx context.Context, programID, granterID, targetID, roleID string) error {
	return e.changeRole(ctx, programID, granterID, targetID, roleID, true)
}

func (e Engine) RevokeRole(ctx context.Context, programID, granterID, targetID, roleID string) error {
	return e.changeRole(ctx, programID, granterID, targetID, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, programID, granterID, targetID, roleID string, grant bool) error {
	targetID, roleID = strings.TrimSpace(targetID), strings.TrimSpace(roleID)
	if targetID == "" || roleID == "" {
		return domain.InvalidInput("actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.RequirePermission(ctx, tx, programID, granterID, "rbac.manage"); err != nil {
		return err
	}
	exists, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("role %s: %w", roleID, repo.ErrNotFound)
	}
	evt := events.RoleGranted
	if grant {
		if err := e.Repo.EnsureActor(ctx, tx, targetID, e.timestamp()); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, programID, targetID, roleID); err != nil {
			return err
		}
	} else {
		evt = events.RoleRevoked
		if err := e.Repo.RevokeRole(ctx, tx, programID, targetID, roleID); err != nil {
			return err
		}
	}
	if err := e.events().Append(ctx, tx, evt, programID, "rbac", targetID, granterID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key for actorID. Only its hash is stored; the plain
// key is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, domain.InvalidInput("actor_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "ol_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// APIKeys lists the keys of actorID without their digests.
func (e Engine) APIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes one of actorID's keys. Keys of other actors are not
// found.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(keyID) == "" {
		return domain.InvalidInput("actor_id and key id are required")
	}
	if err := e.Repo.DeleteAPIKey(ctx, nil, actorID, keyID); err != nil {
		return err
	}
	e.log().Info("api key revoked", "actor", actorID, "key", keyID)
	return nil
}
