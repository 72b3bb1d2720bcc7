package token

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// tokenRow maps a Token onto the refresh_tokens table.
type tokenRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	UserID       string `gorm:"index;size:64"`
	FamilyID     string `gorm:"index;size:36"`
	Generation   int
	HashHex      string `gorm:"uniqueIndex;size:64"`
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"index"`
	Used         bool
	RotatedAt    *time.Time
	Revoked      bool
	RevokedAt    *time.Time
	SuccessorHex string `gorm:"size:64"`
	DeviceID     string `gorm:"size:128"`
	IP           string `gorm:"size:64"`
	UserAgent    string `gorm:"size:256"`
	SessionID    string `gorm:"size:64"`
}

func (tokenRow) TableName() string { return "refresh_tokens" }

// graceRow caches a successor's raw secret for the grace window so duplicate
// retries can be answered idempotently. Swept together with token rows.
type graceRow struct {
	HashHex      string `gorm:"primaryKey;size:64"`
	Secret       []byte
	SuccessorHex string `gorm:"size:64"`
	ExpiresAt    time.Time `gorm:"index"`
}

func (graceRow) TableName() string { return "refresh_token_grace" }

func rowFromToken(t *Token) tokenRow {
	row := tokenRow{
		ID:           t.ID,
		UserID:       t.UserID,
		FamilyID:     t.FamilyID,
		Generation:   t.Generation,
		HashHex:      t.HashHex,
		CreatedAt:    t.CreatedAt,
		ExpiresAt:    t.ExpiresAt,
		Used:         t.Used,
		Revoked:      t.Revoked,
		SuccessorHex: t.SuccessorHex,
		DeviceID:     t.DeviceID,
		IP:           t.IP,
		UserAgent:    t.UserAgent,
		SessionID:    t.SessionID,
	}
	if !t.RotatedAt.IsZero() {
		at := t.RotatedAt
		row.RotatedAt = &at
	}
	if !t.RevokedAt.IsZero() {
		at := t.RevokedAt
		row.RevokedAt = &at
	}
	return row
}

func (r tokenRow) toToken() *Token {
	t := &Token{
		ID:           r.ID,
		UserID:       r.UserID,
		FamilyID:     r.FamilyID,
		Generation:   r.Generation,
		HashHex:      r.HashHex,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		Used:         r.Used,
		Revoked:      r.Revoked,
		SuccessorHex: r.SuccessorHex,
		DeviceID:     r.DeviceID,
		IP:           r.IP,
		UserAgent:    r.UserAgent,
		SessionID:    r.SessionID,
	}
	if r.RotatedAt != nil {
		t.RotatedAt = *r.RotatedAt
	}
	if r.RevokedAt != nil {
		t.RevokedAt = *r.RevokedAt
	}
	if raw, err := hex.DecodeString(r.HashHex); err == nil && len(raw) == 32 {
		copy(t.Hash[:], raw)
	}
	return t
}

// GormStore is the SQL-backed token store. Rotation runs in a transaction
// holding a row lock on the presented token, which serializes concurrent
// exchanges the same way the Redis script does.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an existing gorm.DB and migrates the token tables.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&tokenRow{}, &graceRow{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &GormStore{db: db}, nil
}

// OpenPostgres connects to Postgres with the given DSN and returns a
// migrated GormStore.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewGormStore(db)
}

// Create inserts a freshly issued token row.
func (s *GormStore) Create(ctx context.Context, t *Token, _ time.Duration) error {
	row := rowFromToken(t)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetByHash fetches a single row by secret hash.
func (s *GormStore) GetByHash(ctx context.Context, hash [32]byte) (*Token, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).
		Where("hash_hex = ?", hex.EncodeToString(hash[:])).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return row.toToken(), nil
}

// Rotate locks the presented row FOR UPDATE, applies the decision ladder,
// and installs the successor in the same transaction.
func (s *GormStore) Rotate(ctx context.Context, rot Rotation) (RotateResult, error) {
	var result RotateResult
	oldHex := hex.EncodeToString(rot.OldHash[:])

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old tokenRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("hash_hex = ?", oldHex).
			First(&old).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result = RotateResult{Outcome: RotateNotFound}
				return nil
			}
			return err
		}

		if !rot.Now.Before(old.ExpiresAt) {
			result = RotateResult{Outcome: RotateExpired}
			return nil
		}
		if old.Revoked && old.Used {
			result = RotateResult{Outcome: RotateReplayed, Token: old.toToken()}
			return nil
		}
		if old.Revoked {
			result = RotateResult{Outcome: RotateRevoked, Token: old.toToken()}
			return nil
		}
		if old.Used {
			if rot.Grace > 0 && old.RotatedAt != nil && rot.Now.Sub(*old.RotatedAt) <= rot.Grace {
				var cached graceRow
				cacheErr := tx.Where("hash_hex = ? AND expires_at > ?", oldHex, rot.Now).
					First(&cached).Error
				if cacheErr == nil {
					var succ tokenRow
					if tx.Where("hash_hex = ?", cached.SuccessorHex).First(&succ).Error == nil {
						result = RotateResult{
							Outcome:   RotateGrace,
							Token:     succ.toToken(),
							RawSecret: append([]byte(nil), cached.Secret...),
						}
						return nil
					}
				} else if !errors.Is(cacheErr, gorm.ErrRecordNotFound) {
					return cacheErr
				}
			}
			result = RotateResult{Outcome: RotateReused, Token: old.toToken()}
			return nil
		}

		rotatedAt := rot.Now
		updates := map[string]interface{}{
			"used":          true,
			"rotated_at":    &rotatedAt,
			"successor_hex": rot.Successor.HashHex,
		}
		if err := tx.Model(&tokenRow{}).Where("hash_hex = ?", oldHex).Updates(updates).Error; err != nil {
			return err
		}

		succ := rowFromToken(rot.Successor)
		if err := tx.Create(&succ).Error; err != nil {
			return err
		}

		if rot.Grace > 0 {
			cache := graceRow{
				HashHex:      oldHex,
				Secret:       append([]byte(nil), rot.RawSecret...),
				SuccessorHex: rot.Successor.HashHex,
				ExpiresAt:    rot.Now.Add(rot.Grace),
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cache).Error; err != nil {
				return err
			}
		}

		result = RotateResult{Outcome: RotateOK, Token: rot.Successor}
		return nil
	})
	if err != nil {
		return RotateResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

// Revoke marks a single row revoked. Reports whether the row existed.
func (s *GormStore) Revoke(ctx context.Context, hash [32]byte, now time.Time) (bool, error) {
	hashHex := hex.EncodeToString(hash[:])

	var count int64
	if err := s.db.WithContext(ctx).Model(&tokenRow{}).
		Where("hash_hex = ?", hashHex).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 0 {
		return false, nil
	}

	err := s.db.WithContext(ctx).Model(&tokenRow{}).
		Where("hash_hex = ? AND NOT revoked", hashHex).
		Updates(map[string]interface{}{"revoked": true, "revoked_at": &now}).Error
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// RevokeFamily revokes every row in the family.
func (s *GormStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	return s.revokeWhere(ctx, "family_id = ?", familyID, now)
}

// RevokeAllForUser revokes every row the user owns.
func (s *GormStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	return s.revokeWhere(ctx, "user_id = ?", userID, now)
}

func (s *GormStore) revokeWhere(ctx context.Context, cond string, arg string, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&tokenRow{}).
		Where(cond+" AND NOT revoked", arg).
		Updates(map[string]interface{}{"revoked": true, "revoked_at": &now})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, res.Error)
	}
	return int(res.RowsAffected), nil
}

// LiveForUser returns the user's live rows, oldest first.
func (s *GormStore) LiveForUser(ctx context.Context, userID string, now time.Time) ([]*Token, error) {
	var rows []tokenRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND NOT used AND NOT revoked AND expires_at > ?", userID, now).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tokens := make([]*Token, 0, len(rows))
	for _, row := range rows {
		tokens = append(tokens, row.toToken())
	}
	return tokens, nil
}

// PurgeExpired deletes terminal rows past the retention window plus any
// stale grace cache entries.
func (s *GormStore) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention)

	res := s.db.WithContext(ctx).
		Where("(used OR revoked) AND expires_at < ?", cutoff).
		Delete(&tokenRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, res.Error)
	}

	if err := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&graceRow{}).Error; err != nil {
		return int(res.RowsAffected), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(res.RowsAffected), nil
}
