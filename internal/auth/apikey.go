// Package auth implements the API-key registry: hashed-secret lookup with
// wildcard fallback, key minting and revocation, and an otter cache in front
// of the store so the hot authentication path rarely touches SQLite.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/storage"
	"github.com/chenpu17/cc-gw-sub003/internal/vault"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000
	secretBytes = 32 // raw entropy before base64, before the "sk-gw-" prefix
)

// Registry authenticates bearer secrets against the API-key store and
// mediates key lifecycle management for the admin surface.
type Registry struct {
	store       storage.APIKeyStore
	vault       *vault.Vault
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash, for cache invalidation by id
}

// New returns a Registry backed by store, encrypting minted secrets with v.
func New(store storage.APIKeyStore, v *vault.Vault) (*Registry, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Registry{store: store, vault: v, cache: c}, nil
}

// Verify resolves a bearer secret (without the "Bearer " prefix) to its
// API-key record. Resolution order: exact hash match first; if the secret
// has no named match, fall back to the wildcard row. A named key whose hash
// matches but which is disabled returns ErrKeyBlocked and never falls
// through to the wildcard.
func (r *Registry) Verify(ctx context.Context, secret string) (*gateway.APIKey, error) {
	if !strings.HasPrefix(secret, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}
	hash := gateway.HashKey(secret)

	if key, ok := r.cache.GetIfPresent(hash); ok {
		return r.checkEnabled(ctx, key)
	}

	key, err := r.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return r.verifyWildcard(ctx)
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	r.cache.Set(hash, key)
	r.keyIDToHash.Store(key.ID, hash)
	return r.checkEnabled(ctx, key)
}

// Authenticate extracts the bearer secret from r's Authorization header and
// resolves it via Verify. It knows nothing about which endpoint family r is
// headed to; per-endpoint scope enforcement (APIKey.AllowsEndpoint) happens
// in the model-endpoint handler, which already has that context.
func (r *Registry) Authenticate(ctx context.Context, req *http.Request) (*gateway.APIKey, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return nil, gateway.ErrUnauthorized
	}
	secret := header
	if strings.HasPrefix(header, "Bearer ") {
		secret = strings.TrimPrefix(header, "Bearer ")
	}
	return r.Verify(ctx, secret)
}

// verifyWildcard is reached only when no named key hashes to the presented
// secret at all; it admits any bearer value under the always-present
// wildcard row.
func (r *Registry) verifyWildcard(ctx context.Context) (*gateway.APIKey, error) {
	key, ok := r.cache.GetIfPresent(gateway.WildcardKeyHash)
	if !ok {
		var err error
		key, err = r.store.GetKeyByHash(ctx, gateway.WildcardKeyHash)
		if err != nil {
			return nil, gateway.ErrUnauthorized
		}
		r.cache.Set(gateway.WildcardKeyHash, key)
	}
	return r.checkEnabled(ctx, key)
}

func (r *Registry) checkEnabled(ctx context.Context, key *gateway.APIKey) (*gateway.APIKey, error) {
	if !key.Enabled {
		return nil, gateway.ErrKeyBlocked
	}
	r.touchAsync(key.ID)
	return key, nil
}

// touchAsync bumps last-used/request-count off the hot path.
func (r *Registry) touchAsync(keyID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.store.TouchKeyUsed(ctx, keyID)
	}()
}

// Create mints a new secret, persists its hash/encrypted-ciphertext record,
// and returns the plaintext secret once; it is never recoverable afterward.
func (r *Registry) Create(ctx context.Context, name, description string, allowedEndpoints []string, actor string) (*gateway.APIKey, string, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	enc, err := r.vault.Encrypt(secret)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt secret: %w", err)
	}

	body := strings.TrimPrefix(secret, gateway.APIKeyPrefix)
	key := &gateway.APIKey{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Name:             name,
		Description:      description,
		KeyHash:          gateway.HashKey(secret),
		SecretEnc:        enc,
		Prefix:           gateway.APIKeyPrefix + body[:min(4, len(body))],
		Suffix:           body[max(0, len(body)-4):],
		Enabled:          true,
		AllowedEndpoints: allowedEndpoints,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.store.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}
	_ = r.store.InsertAuditLog(ctx, key.ID, "create", "", actor)
	return key, secret, nil
}

// SetEnabled toggles a key's enabled flag, invalidating its cache entry.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool, actor string) error {
	key, err := r.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	key.Enabled = enabled
	if err := r.store.UpdateKey(ctx, key); err != nil {
		return err
	}
	r.invalidate(id)
	action := "enable"
	if !enabled {
		action = "disable"
	}
	_ = r.store.InsertAuditLog(ctx, id, action, "", actor)
	return nil
}

// UpdateScopes updates name/description/allowed endpoints.
func (r *Registry) UpdateScopes(ctx context.Context, id, name, description string, allowedEndpoints []string, actor string) error {
	key, err := r.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	key.Name = name
	key.Description = description
	key.AllowedEndpoints = allowedEndpoints
	if err := r.store.UpdateKey(ctx, key); err != nil {
		return err
	}
	r.invalidate(id)
	_ = r.store.InsertAuditLog(ctx, id, "update", "", actor)
	return nil
}

// Revoke deletes a key permanently. The wildcard row cannot be revoked.
func (r *Registry) Revoke(ctx context.Context, id, actor string) error {
	key, err := r.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if key.Wildcard {
		return fmt.Errorf("%w: wildcard key cannot be revoked", gateway.ErrForbidden)
	}
	if err := r.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	r.invalidate(id)
	_ = r.store.InsertAuditLog(ctx, id, "revoke", "", actor)
	return nil
}

// List returns every key, including the wildcard row.
func (r *Registry) List(ctx context.Context) ([]*gateway.APIKey, error) {
	return r.store.ListKeys(ctx)
}

func (r *Registry) invalidate(keyID string) {
	if hash, ok := r.keyIDToHash.LoadAndDelete(keyID); ok {
		r.cache.Invalidate(hash.(string))
	}
	r.cache.Invalidate(gateway.WildcardKeyHash)
}

func generateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

