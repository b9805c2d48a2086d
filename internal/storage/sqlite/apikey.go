package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// CreateKey inserts a new API-key row.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	endpoints, err := marshalStringSlice(key.AllowedEndpoints)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, description, key_hash, secret_enc, prefix, suffix,
		 wildcard, enabled, allowed_endpoints, request_count, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.Description, key.KeyHash, key.SecretEnc, key.Prefix, key.Suffix,
		boolToInt(key.Wildcard), boolToInt(key.Enabled), endpoints, key.RequestCount,
		timeToStr(key.CreatedAt), nullTimeToStr(key.LastUsedAt),
	)
	return err
}

// GetKeyByHash looks up a key by its SHA-256 hash, the hot path Verify uses.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx, selectKeyCols+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// GetKey looks up a key by id.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx, selectKeyCols+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns every key row, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx, selectKeyCols+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey persists mutable fields: enabled flag, endpoint scopes, usage
// counters, last-used timestamp. Name/description are also updatable since
// only create mints the secret.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	endpoints, err := marshalStringSlice(key.AllowedEndpoints)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, description=?, enabled=?, allowed_endpoints=?,
		 request_count=?, last_used_at=? WHERE id=?`,
		key.Name, key.Description, boolToInt(key.Enabled), endpoints,
		key.RequestCount, nullTimeToStr(key.LastUsedAt), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes a key row (revoke).
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed bumps last_used_at and the request counter. Called
// asynchronously off the hot path per spec §4.4.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=?, request_count=request_count+1 WHERE id=?`,
		timeToStr(time.Now()), id,
	)
	return err
}

// InsertAuditLog records a create/update/revoke action against a key.
func (s *Store) InsertAuditLog(ctx context.Context, keyID, action, detail, actor string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_key_audit_logs (id, api_key_id, action, detail, actor, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), keyID, action, detail, actor, time.Now().UnixMilli(),
	)
	return err
}

const selectKeyCols = `SELECT id, name, description, key_hash, secret_enc, prefix, suffix,
	 wildcard, enabled, allowed_endpoints, request_count, created_at, last_used_at`

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var wildcard, enabled int
	var endpoints string
	var createdAt string
	var lastUsedAt sql.NullString

	err := s.Scan(
		&k.ID, &k.Name, &k.Description, &k.KeyHash, &k.SecretEnc, &k.Prefix, &k.Suffix,
		&wildcard, &enabled, &endpoints, &k.RequestCount, &createdAt, &lastUsedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Wildcard = wildcard != 0
	k.Enabled = enabled != 0
	k.CreatedAt = parseTime(createdAt)
	k.LastUsedAt = parseTimePtr(lastUsedAt)
	allowed, err := unmarshalStringSlice(endpoints)
	if err != nil {
		return nil, err
	}
	k.AllowedEndpoints = allowed
	return &k, nil
}
