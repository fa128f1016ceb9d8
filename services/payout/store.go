package payout

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists PayoutRecords. Writes never overwrite blindly: a new
// record is insert-if-absent and an existing one is updated only at the
// version it was read at.
type Store interface {
	WithTrx(tx *gorm.DB) Store
	GetPayoutRecord(ctx context.Context, tierID, itemID string) (*PayoutRecord, error)
	// InsertPayoutRecord reports false when the key already exists.
	InsertPayoutRecord(ctx context.Context, rec *PayoutRecord) (bool, error)
	// CompareAndSwapPayoutRecord writes rec only if the stored version is
	// still expected, and reports false otherwise.
	CompareAndSwapPayoutRecord(ctx context.Context, rec *PayoutRecord, expected int64) (bool, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) WithTrx(tx *gorm.DB) Store {
	if tx == nil {
		return s
	}
	return &gormStore{db: tx}
}

func (s *gormStore) GetPayoutRecord(ctx context.Context, tierID, itemID string) (*PayoutRecord, error) {
	var rec PayoutRecord
	err := s.db.WithContext(ctx).Where("tier_id = ? AND item_id = ?", tierID, itemID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *gormStore) InsertPayoutRecord(ctx context.Context, rec *PayoutRecord) (bool, error) {
	rec.Version = 1
	rec.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) CompareAndSwapPayoutRecord(ctx context.Context, rec *PayoutRecord, expected int64) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&PayoutRecord{}).
		Where("tier_id = ? AND item_id = ? AND version = ?", rec.TierID, rec.ItemID, expected).
		Updates(map[string]any{
			"views_at_last_payout":         rec.ViewsAtLastPayout,
			"cumulative_amount_paid_cents": rec.CumulativePaidCents,
			"version":                      expected + 1,
			"updated_at":                   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	rec.Version = expected + 1
	rec.UpdatedAt = now
	return true, nil
}
