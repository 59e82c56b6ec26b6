package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"obraline/internal/domain"
)

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at`

// HashAPIKey digests a plain key the way it is stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(s scanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := s.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	return key, err
}

// InsertAPIKey stores key for its actor. KeyHash holds the digest, never the
// plain key.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" || key.ActorID == "" || key.KeyHash == "" || key.CreatedAt == "" {
		return fmt.Errorf("api key %q: id, actor, hash and timestamp are required", key.ID)
	}
	if err := r.EnsureActor(ctx, tx, key.ActorID, key.CreatedAt); err != nil {
		return err
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash resolves a presented key digest.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns the keys of actorID, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, tx *sql.Tx, actorID string) ([]domain.APIKey, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE actor_id=? ORDER BY created_at DESC, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes key id of actorID. A key owned by someone else is
// reported as not found.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, actorID, id string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND actor_id=?`, id, actorID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}
