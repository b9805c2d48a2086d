// Package webauth implements the management UI's username/password login:
// scrypt password hashing and an in-memory, sliding-TTL session table. The
// scrypt primitive is grounded on the secondary reference repo's credential
// store rather than the teacher's, which has no password login of its own.
package webauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16

	// SessionTTL is the sliding idle timeout applied on every successful
	// lookup.
	SessionTTL = 12 * time.Hour
)

var (
	// ErrInvalidCredentials covers both unknown username and wrong password,
	// deliberately indistinguishable to a caller.
	ErrInvalidCredentials = errors.New("webauth: invalid credentials")
	// ErrSessionExpired is returned by Verify for a token past its TTL.
	ErrSessionExpired = errors.New("webauth: session expired")
	// ErrSessionNotFound is returned by Verify for an unrecognized token.
	ErrSessionNotFound = errors.New("webauth: session not found")
)

// HashPassword derives a scrypt hash of password under a fresh random salt
// and returns "salt$hash", both base64-encoded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("webauth: generate salt: %w", err)
	}
	hash, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("webauth: derive key: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyPassword reports whether password matches the encoded hash
// produced by HashPassword.
func VerifyPassword(encoded, password string) bool {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

type session struct {
	username  string
	expiresAt time.Time
}

// Sessions is an in-memory session table keyed by opaque bearer token. It
// purges expired entries lazily on access rather than running a background
// sweeper, since the management UI's session count never grows large
// enough to justify one.
type Sessions struct {
	mu    sync.Mutex
	table map[string]session
}

// NewSessions returns an empty session table.
func NewSessions() *Sessions {
	return &Sessions{table: make(map[string]session)}
}

// Create mints a new 256-bit base64url token for username.
func (s *Sessions) Create(username string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webauth: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[token] = session{username: username, expiresAt: time.Now().Add(SessionTTL)}
	return token, nil
}

// Verify removes every expired session, then checks token and, if valid,
// slides its expiry forward by SessionTTL from now.
func (s *Sessions) Verify(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.table[token]
	for t, other := range s.table {
		if now.After(other.expiresAt) {
			delete(s.table, t)
		}
	}
	if !ok {
		return "", ErrSessionNotFound
	}
	if now.After(sess.expiresAt) {
		return "", ErrSessionExpired
	}
	sess.expiresAt = now.Add(SessionTTL)
	s.table[token] = sess
	return sess.username, nil
}

// Revoke deletes token, ending that session immediately.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table, token)
}

// Purge removes all sessions that expired before now and returns the count
// removed. Verify runs the same sweep on every lookup.
func (s *Sessions) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, sess := range s.table {
		if now.After(sess.expiresAt) {
			delete(s.table, token)
			n++
		}
	}
	return n
}
