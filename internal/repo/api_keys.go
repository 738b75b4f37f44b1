package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"pilotgate/internal/domain"
)

// HashAPIKey digests a presented key. Only digests are stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func checkAPIKey(k domain.APIKey) error {
	missing := func(field string) error { return fmt.Errorf("api key: %s required", field) }
	switch {
	case k.ID == "":
		return missing("id")
	case k.ActorID == "":
		return missing("actor_id")
	case k.OrgID == "":
		return missing("org_id")
	case k.Role == "":
		return missing("role")
	case k.KeyHash == "":
		return missing("key_hash")
	}
	return nil
}

// InsertAPIKey stores a key that authenticates as ActorID with Role inside
// OrgID. KeyHash must already be digested with HashAPIKey.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if err := checkAPIKey(key); err != nil {
		return err
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.exec(ctx, tx,
		`INSERT INTO api_keys(id, actor_id, org_id, role, name, key_hash, created_at) VALUES (?,?,?,?,?,?,?)`,
		key.ID, key.ActorID, key.OrgID, key.Role, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

const selectAPIKey = `SELECT id, actor_id, org_id, role, COALESCE(name,''), key_hash, created_at FROM api_keys`

func scanAPIKey(row interface{ Scan(...any) error }) (domain.APIKey, error) {
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.ActorID, &k.OrgID, &k.Role, &k.Name, &k.KeyHash, &k.CreatedAt)
	return k, err
}

// GetAPIKeyByHash resolves a presented key digest.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, selectAPIKey+` WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// ListAPIKeys returns keys newest first; an empty orgID lists every tenant.
func (r Repo) ListAPIKeys(ctx context.Context, orgID string) ([]domain.APIKey, error) {
	query, args := selectAPIKey, []any{}
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key by id.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("api key: id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
