package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// gormAPIKeyRepository is the GORM implementation of APIKeyRepository.
type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the provided
// *gorm.DB.
func NewAPIKeyRepository(database *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: database}
}

// Create inserts a new API key record. The prefix is unique; a collision
// returns ErrConflict and the caller generates a fresh key.
func (r *gormAPIKeyRepository) Create(ctx context.Context, k *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(k).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("api keys: create: %w", err)
	}
	return nil
}

// GetByID retrieves an API key record by its UUID.
func (r *gormAPIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error) {
	var k db.APIKey
	err := r.db.WithContext(ctx).First(&k, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by id: %w", err)
	}
	return &k, nil
}

// GetByPrefix retrieves the key record whose unique prefix matches. The
// caller verifies the full key against the stored hash.
func (r *gormAPIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*db.APIKey, error) {
	var k db.APIKey
	err := r.db.WithContext(ctx).First(&k, "prefix = ?", prefix).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by prefix: %w", err)
	}
	return &k, nil
}

// Revoke marks a key revoked. Revocation is permanent; rotation issues a new
// key instead of un-revoking an old one.
func (r *gormAPIKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("revoked", true)
	if res.Error != nil {
		return fmt.Errorf("api keys: revoke: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch stamps last_used_at. Best effort: called outside the request's
// critical path.
func (r *gormAPIKeyRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error; err != nil {
		return fmt.Errorf("api keys: touch: %w", err)
	}
	return nil
}

// List returns a paginated list of keys, optionally filtered by tenant.
func (r *gormAPIKeyRepository) List(ctx context.Context, tenantID string, opts ListOptions) ([]db.APIKey, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.APIKey{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: list count: %w", err)
	}
	var keys []db.APIKey
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: list: %w", err)
	}
	return keys, total, nil
}

// DeleteByRobot removes all keys bound to a robot. Called when the robot is
// deregistered.
func (r *gormAPIKeyRepository) DeleteByRobot(ctx context.Context, robotID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("robot_id = ?", robotID).
		Delete(&db.APIKey{}).Error; err != nil {
		return fmt.Errorf("api keys: delete by robot: %w", err)
	}
	return nil
}
