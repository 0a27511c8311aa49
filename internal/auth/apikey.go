package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

const (
	// keyPrefixLen is how many leading characters of a key are stored in
	// clear for lookup and display. The rest is only ever stored hashed.
	keyPrefixLen = 8

	// keyRandomBytes sizes the random portion of a generated key.
	keyRandomBytes = 24
)

// keyEncoding renders keys in unpadded lowercase base32: easy to copy, no
// ambiguous characters beyond the base32 alphabet.
var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is the authenticated identity resolved from an API key.
type Principal struct {
	KeyID    uuid.UUID
	TenantID string
	RobotID  *uuid.UUID
	Role     Role
}

// Service verifies API keys and manages their lifecycle.
type Service struct {
	keys repositories.APIKeyRepository
	jwt  *JWTManager

	now func() time.Time
}

// NewService wires the auth service.
func NewService(keys repositories.APIKeyRepository, jwt *JWTManager) *Service {
	return &Service{keys: keys, jwt: jwt, now: time.Now}
}

// JWT exposes the session token manager for the registry and transport.
func (s *Service) JWT() *JWTManager { return s.jwt }

// GenerateKey creates a new API key. The returned plaintext is shown to the
// caller exactly once; only the SHA-256 hash is persisted.
func (s *Service) GenerateKey(ctx context.Context, tenantID, name string, role Role, robotID *uuid.UUID, expiresAt *time.Time) (*db.APIKey, string, error) {
	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("auth: generating key material: %w", err)
	}
	plaintext := "crk_" + strings.ToLower(keyEncoding.EncodeToString(raw))
	sum := sha256.Sum256([]byte(plaintext))

	key := &db.APIKey{
		TenantID:  tenantID,
		RobotID:   robotID,
		Name:      name,
		Prefix:    plaintext[:keyPrefixLen],
		Hash:      hex.EncodeToString(sum[:]),
		Role:      string(role),
		ExpiresAt: expiresAt,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// VerifyKey resolves an API key plaintext to its principal. Returns
// ErrKeyInvalid for unknown, mismatched, revoked, or expired keys without
// distinguishing which, so probing reveals nothing.
func (s *Service) VerifyKey(ctx context.Context, plaintext string) (*Principal, error) {
	if len(plaintext) < keyPrefixLen {
		return nil, ErrKeyInvalid
	}
	key, err := s.keys.GetByPrefix(ctx, plaintext[:keyPrefixLen])
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrKeyInvalid
		}
		return nil, err
	}

	sum := sha256.Sum256([]byte(plaintext))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(key.Hash)) != 1 {
		return nil, ErrKeyInvalid
	}
	if key.Revoked {
		return nil, ErrKeyInvalid
	}
	if key.ExpiresAt != nil && s.now().After(*key.ExpiresAt) {
		return nil, ErrKeyInvalid
	}

	// Best effort; last_used_at is advisory.
	_ = s.keys.Touch(ctx, key.ID, s.now())

	return &Principal{
		KeyID:    key.ID,
		TenantID: key.TenantID,
		RobotID:  key.RobotID,
		Role:     Role(key.Role),
	}, nil
}

// RotateKey revokes the old key and issues a replacement with the same
// binding, role and tenant. Returns the new record and its plaintext.
func (s *Service) RotateKey(ctx context.Context, keyID uuid.UUID) (*db.APIKey, string, error) {
	old, err := s.keys.GetByID(ctx, keyID)
	if err != nil {
		return nil, "", err
	}
	newKey, plaintext, err := s.GenerateKey(ctx, old.TenantID, old.Name, Role(old.Role), old.RobotID, old.ExpiresAt)
	if err != nil {
		return nil, "", err
	}
	if err := s.keys.Revoke(ctx, old.ID); err != nil {
		return nil, "", err
	}
	return newKey, plaintext, nil
}

// RevokeKey permanently revokes a key.
func (s *Service) RevokeKey(ctx context.Context, keyID uuid.UUID) error {
	return s.keys.Revoke(ctx, keyID)
}

// DeleteKeysForRobot removes all keys bound to a robot. Called when the
// robot is deregistered.
func (s *Service) DeleteKeysForRobot(ctx context.Context, robotID uuid.UUID) error {
	return s.keys.DeleteByRobot(ctx, robotID)
}

// ListKeys returns the tenant's keys. Hashes are stored, not plaintexts, so
// the listing is safe to expose.
func (s *Service) ListKeys(ctx context.Context, tenantID string, limit, offset int) ([]db.APIKey, int64, error) {
	return s.keys.List(ctx, tenantID, repositories.ListOptions{Limit: limit, Offset: offset})
}
