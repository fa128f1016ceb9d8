package wallet

import (
	"context"
	"time"

	"creator-payouts/pkg/db/option"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/repository"
	"creator-payouts/services/ledger"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reconciler rebuilds wallets from the ledger, which is the source of
// truth: balance is paid money not clawed back, total earned is all money
// ever paid.
type Reconciler struct {
	db      *gorm.DB
	wallets repository.Repository[Wallet]
	repair  bool
}

func NewReconciler(db *gorm.DB, repair bool) *Reconciler {
	return &Reconciler{
		db:      db,
		wallets: repository.ProvideStore[Wallet](db),
		repair:  repair,
	}
}

type ledgerTotals struct {
	Balance int64
	Earned  int64
}

func expectedTotals(ctx context.Context, tx *gorm.DB, userID string) (ledgerTotals, error) {
	var t ledgerTotals
	err := tx.WithContext(ctx).Model(&ledger.LedgerEntry{}).
		Select(
			"COALESCE(SUM(CASE WHEN status <> ? THEN paid_amount_cents ELSE 0 END), 0) AS balance, "+
				"COALESCE(SUM(paid_amount_cents), 0) AS earned",
			ledger.StatusClawedBack,
		).
		Where("user_id = ?", userID).
		Scan(&t).Error
	return t, err
}

// Reconcile compares userID's wallet with the ledger and, when repair is
// set (or the Reconciler was built to repair), overwrites the wallet with
// the ledger totals.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, repair bool) (*Drift, error) {
	repair = repair || r.repair

	var drift *Drift
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := r.wallets.WithTrx(tx).FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if stored == nil {
			stored = &Wallet{UserID: userID}
		}

		want, err := expectedTotals(ctx, tx, userID)
		if err != nil {
			return err
		}

		drift = &Drift{
			UserID:               userID,
			StoredBalanceCents:   stored.BalanceCents,
			ExpectedBalanceCents: want.Balance,
			StoredEarnedCents:    stored.TotalEarnedCents,
			ExpectedEarnedCents:  want.Earned,
		}
		if drift.InSync() || !repair {
			return nil
		}

		fixed := Wallet{
			UserID:           userID,
			BalanceCents:     want.Balance,
			TotalEarnedCents: want.Earned,
			UpdatedAt:        time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance_cents", "total_earned_cents", "updated_at"}),
		}).Create(&fixed).Error; err != nil {
			return err
		}
		drift.Repaired = true
		return nil
	})
	if err != nil {
		return nil, errutil.Internal("failed to reconcile wallet", err)
	}

	if !drift.InSync() {
		walletDriftTotal.Inc()
		zap.L().Warn("wallet drift detected",
			zap.String("user_id", userID),
			zap.Int64("stored_balance_cents", drift.StoredBalanceCents),
			zap.Int64("expected_balance_cents", drift.ExpectedBalanceCents),
			zap.Int64("stored_total_earned_cents", drift.StoredEarnedCents),
			zap.Int64("expected_total_earned_cents", drift.ExpectedEarnedCents),
			zap.Bool("repaired", drift.Repaired),
		)
	}
	return drift, nil
}

// ReconcileAll checks every user that has a wallet or a ledger entry and
// returns the wallets that drifted.
func (r *Reconciler) ReconcileAll(ctx context.Context, repair bool) ([]*Drift, error) {
	var userIDs []string
	if err := r.db.WithContext(ctx).Raw(
		"SELECT user_id FROM ledger_entries UNION SELECT user_id FROM wallets",
	).Scan(&userIDs).Error; err != nil {
		return nil, errutil.Internal("failed to list wallet owners", err)
	}

	var drifted []*Drift
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		d, err := r.Reconcile(ctx, userID, repair)
		if err != nil {
			zap.L().Error("reconcile failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if !d.InSync() {
			drifted = append(drifted, d)
		}
	}

	zap.L().Info("wallet reconciliation finished", zap.Int("wallets", len(userIDs)), zap.Int("drifted", len(drifted)))
	return drifted, nil
}

func (r *Reconciler) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	_, err := r.ReconcileAll(ctx, false)
	return err
}
