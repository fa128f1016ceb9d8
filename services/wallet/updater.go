package wallet

import (
	"context"
	"time"

	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/repository"
	"creator-payouts/services/campaign"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Updater applies payout deltas with in-place increments so concurrent
// credits to one wallet add up instead of overwriting each other. Every
// method runs inside the caller's transaction.
type Updater struct {
	db      *gorm.DB
	wallets repository.Repository[Wallet]
}

func NewUpdater(db *gorm.DB) *Updater {
	return &Updater{
		db:      db,
		wallets: repository.ProvideStore[Wallet](db),
	}
}

func (u *Updater) Get(ctx context.Context, userID string) (*Wallet, error) {
	w, err := u.wallets.FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to load wallet", err)
	}
	if w == nil {
		return &Wallet{UserID: userID}, nil
	}
	return w, nil
}

// Credit adds cents to both balance and total earned, creating the wallet
// on first use.
func (u *Updater) Credit(ctx context.Context, tx *gorm.DB, userID string, cents int64) error {
	if cents <= 0 {
		return errutil.ValidationFailed("credit must be positive", nil)
	}

	tx = tx.WithContext(ctx)
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Wallet{UserID: userID}).Error; err != nil {
		return err
	}

	res := tx.Model(&Wallet{}).Where("user_id = ?", userID).Updates(map[string]any{
		"balance_cents":      gorm.Expr("balance_cents + ?", cents),
		"total_earned_cents": gorm.Expr("total_earned_cents + ?", cents),
		"updated_at":         time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Internal("wallet credit affected no rows", nil)
	}
	return nil
}

// Debit removes cents from the balance only; total earned never decreases.
// The balance may go negative when money already withdrawn is clawed back.
func (u *Updater) Debit(ctx context.Context, tx *gorm.DB, userID string, cents int64) error {
	if cents <= 0 {
		return errutil.ValidationFailed("debit must be positive", nil)
	}

	res := tx.WithContext(ctx).Model(&Wallet{}).Where("user_id = ?", userID).Updates(map[string]any{
		"balance_cents": gorm.Expr("balance_cents - ?", cents),
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("wallet not found", nil)
	}
	return nil
}

// ConsumeBudget advances a campaign's budget usage. Payouts are not
// reserved ahead of time, so usage may pass the budget; that is reported,
// not refused.
func (u *Updater) ConsumeBudget(ctx context.Context, tx *gorm.DB, campaignID string, cents int64) (overBudget bool, err error) {
	tx = tx.WithContext(ctx)
	res := tx.Model(&campaign.Campaign{}).Where("id = ?", campaignID).
		Update("budget_used_cents", gorm.Expr("budget_used_cents + ?", cents))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errutil.NotFound("campaign not found", nil)
	}

	var c campaign.Campaign
	if err := tx.Select("id", "budget_cents", "budget_used_cents").Where("id = ?", campaignID).Take(&c).Error; err != nil {
		return false, err
	}

	if c.OverBudget() {
		budgetOverflowTotal.WithLabelValues(campaignID).Inc()
		zap.L().Warn("campaign budget exceeded",
			zap.String("campaign_id", campaignID),
			zap.Int64("budget_cents", c.BudgetCents),
			zap.Int64("budget_used_cents", c.BudgetUsedCents),
		)
		return true, nil
	}
	return false, nil
}
