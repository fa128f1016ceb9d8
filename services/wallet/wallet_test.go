package wallet

import (
	"context"
	"testing"

	"creator-payouts/pkg/errutil"
	"creator-payouts/services/campaign"
	"creator-payouts/services/ledger"
	"creator-payouts/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	models := append(Models(), campaign.Models()...)
	models = append(models, ledger.Models()...)
	return testutil.NewTestDB(t, models...)
}

func TestCredit_ConcurrentIsAdditive(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := NewUpdater(db)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			return db.Transaction(func(tx *gorm.DB) error {
				return u.Credit(ctx, tx, "u1", 250)
			})
		})
	}
	require.NoError(t, g.Wait())

	w, err := u.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), w.BalanceCents)
	require.Equal(t, int64(5000), w.TotalEarnedCents)
}

func TestCreditDebit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := NewUpdater(db)

	require.True(t, errutil.Is(u.Credit(ctx, db, "u1", 0), errutil.StatusValidationFailed))
	require.True(t, errutil.Is(u.Debit(ctx, db, "nobody", 10), errutil.StatusNotFound))

	require.NoError(t, u.Credit(ctx, db, "u1", 1000))
	require.NoError(t, u.Debit(ctx, db, "u1", 400))

	w, err := u.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(600), w.BalanceCents)
	require.Equal(t, int64(1000), w.TotalEarnedCents)

	empty, err := u.Get(ctx, "u2")
	require.NoError(t, err)
	require.Zero(t, empty.BalanceCents)
}

func TestConsumeBudget(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := NewUpdater(db)

	require.NoError(t, db.Create(&campaign.Campaign{ID: "c1", BudgetCents: 1000, Status: campaign.CampaignStatusActive}).Error)

	over, err := u.ConsumeBudget(ctx, db, "c1", 800)
	require.NoError(t, err)
	require.False(t, over)

	// overflow is tolerated
	over, err = u.ConsumeBudget(ctx, db, "c1", 500)
	require.NoError(t, err)
	require.True(t, over)

	var c campaign.Campaign
	require.NoError(t, db.First(&c, "id = ?", "c1").Error)
	require.Equal(t, int64(1300), c.BudgetUsedCents)

	_, err = u.ConsumeBudget(ctx, db, "missing", 1)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := NewUpdater(db)
	r := NewReconciler(db, false)

	require.NoError(t, db.Create(&[]ledger.LedgerEntry{
		{ID: "e1", UserID: "u1", AccruedCents: 500, PaidCents: 500, Status: ledger.StatusPaid},
		{ID: "e2", UserID: "u1", AccruedCents: 300, PaidCents: 300, Status: ledger.StatusClearing},
		{ID: "e3", UserID: "u1", AccruedCents: 200, PaidCents: 200, Status: ledger.StatusClawedBack},
	}).Error)

	// wallet matching the ledger: 1000 earned, 200 clawed back
	require.NoError(t, u.Credit(ctx, db, "u1", 1000))
	require.NoError(t, u.Debit(ctx, db, "u1", 200))

	d, err := r.Reconcile(ctx, "u1", false)
	require.NoError(t, err)
	require.True(t, d.InSync())
	require.Equal(t, int64(800), d.ExpectedBalanceCents)
	require.Equal(t, int64(1000), d.ExpectedEarnedCents)

	// a lost write leaves the wallet short
	require.NoError(t, db.Model(&Wallet{}).Where("user_id = ?", "u1").Update("balance_cents", 100).Error)

	d, err = r.Reconcile(ctx, "u1", false)
	require.NoError(t, err)
	require.False(t, d.InSync())
	require.False(t, d.Repaired)

	drifted, err := r.ReconcileAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	require.True(t, drifted[0].Repaired)

	w, err := u.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(800), w.BalanceCents)
	require.Equal(t, int64(1000), w.TotalEarnedCents)
}

func TestReconcile_MissingWalletRepaired(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := NewReconciler(db, true)

	require.NoError(t, db.Create(&ledger.LedgerEntry{ID: "e1", UserID: "u9", AccruedCents: 700, PaidCents: 700, Status: ledger.StatusPaid}).Error)

	d, err := r.Reconcile(ctx, "u9", false)
	require.NoError(t, err)
	require.True(t, d.Repaired)

	w, err := NewUpdater(db).Get(ctx, "u9")
	require.NoError(t, err)
	require.Equal(t, int64(700), w.BalanceCents)
}
