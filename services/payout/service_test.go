package payout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"creator-payouts/pkg/config"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/featureflags"
	"creator-payouts/pkg/taskname"
	"creator-payouts/services/campaign"
	"creator-payouts/services/ledger"
	"creator-payouts/services/testutil"
	"creator-payouts/services/wallet"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// enqueuerStub rejects a second payout request for the same ledger entry
// the way asynq rejects a duplicate task id.
type enqueuerStub struct {
	mu          sync.Mutex
	tasks       []*asynq.Task
	ids         map[string]bool
	failPayouts bool
}

func (e *enqueuerStub) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if task.Type() == taskname.PayoutRequested {
		if e.failPayouts {
			return nil, errors.New("redis unavailable")
		}
		var p PayoutRequestedPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return nil, err
		}
		if e.ids == nil {
			e.ids = map[string]bool{}
		}
		if e.ids[p.LedgerEntryID] {
			return nil, asynq.ErrTaskIDConflict
		}
		e.ids[p.LedgerEntryID] = true
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (e *enqueuerStub) setFailPayouts(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failPayouts = fail
}

func (e *enqueuerStub) count(typename string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.tasks {
		if t.Type() == typename {
			n++
		}
	}
	return n
}

// failingWallet delegates to the real updater except for one creator.
type failingWallet struct {
	WalletUpdater
	failFor string
}

func (w *failingWallet) Credit(ctx context.Context, tx *gorm.DB, userID string, cents int64) error {
	if userID == w.failFor {
		return errors.New("wallet store unavailable")
	}
	return w.WalletUpdater.Credit(ctx, tx, userID, cents)
}

type flagsDown struct{}

func (flagsDown) Enabled(ctx context.Context, name string) (bool, error) {
	return false, errors.New("flagsmith unreachable")
}

type harness struct {
	db       *gorm.DB
	svc      *Service
	ledger   *ledger.Service
	wallets  *wallet.Updater
	content  *campaign.ContentStore
	enqueuer *enqueuerStub
	notifier *ledger.MemoryNotifier
	cfg      *config.Config
}

type harnessOption func(*harness, *ServiceParams)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	models := append(Models(), campaign.Models()...)
	models = append(models, ledger.Models()...)
	models = append(models, wallet.Models()...)
	db := testutil.NewTestDB(t, models...)

	cfg := &config.Config{}
	cfg.Treasury.WalletID = "treasury"
	cfg.Bonus.Concurrency = 4
	cfg.Bonus.MinPayableCents = 1
	cfg.Bonus.ClearingPeriod = 72 * time.Hour
	cfg.Bonus.FeatureFlag = "bonus_evaluation"
	cfg.Bonus.TierCacheTTL = time.Minute

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{
		db:       db,
		wallets:  wallet.NewUpdater(db),
		content:  campaign.NewContentStore(db),
		enqueuer: &enqueuerStub{},
		notifier: ledger.NewMemoryNotifier(),
		cfg:      cfg,
	}
	h.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Notifier: h.notifier, Wallet: h.wallets, Config: cfg})

	p := ServiceParams{
		DB:       db,
		Catalog:  campaign.NewCatalog(db, 16, time.Minute),
		Metrics:  h.content,
		Views:    h.content,
		Ledger:   h.ledger,
		Wallet:   h.wallets,
		Flags:    featureflags.Static{},
		Enqueuer: h.enqueuer,
		Config:   cfg,
	}
	for _, opt := range opts {
		opt(h, &p)
	}
	h.svc = NewService(p)
	return h
}

func (h *harness) seed(t *testing.T, tiers ...campaign.BonusTier) {
	t.Helper()
	require.NoError(t, h.db.Create(&campaign.Campaign{ID: "c1", BudgetCents: 1000000, BonusesEnabled: true, Status: campaign.CampaignStatusActive}).Error)
	for i := range tiers {
		tiers[i].CampaignID = "c1"
		tiers[i].Active = true
		tiers[i].Position = i
		require.NoError(t, h.db.Create(&tiers[i]).Error)
	}
}

func (h *harness) addItem(t *testing.T, id, creator string, views int64) {
	t.Helper()
	require.NoError(t, h.db.Create(&campaign.ContentItem{
		ID: id, CreatorID: creator, CampaignID: "c1", Platform: "tiktok", Views: views, Status: campaign.ItemStatusApproved,
	}).Error)
}

func (h *harness) setViews(t *testing.T, id string, views int64) {
	t.Helper()
	require.NoError(t, h.db.Model(&campaign.ContentItem{}).Where("id = ?", id).Update("views", views).Error)
}

func (h *harness) balance(t *testing.T, userID string) (int64, int64) {
	t.Helper()
	w, err := h.wallets.Get(context.Background(), userID)
	require.NoError(t, err)
	return w.BalanceCents, w.TotalEarnedCents
}

func meteredTier() campaign.BonusTier {
	return campaign.BonusTier{ID: "cpm", Kind: campaign.TierKindMetered, Rate: decimal.NewFromInt(5), ViewThreshold: 100000}
}

func milestoneTier() campaign.BonusTier {
	return campaign.BonusTier{ID: "m10k", Kind: campaign.TierKindMilestone, BonusAmount: decimal.NewFromInt(25), ViewThreshold: 10000}
}

func TestEvaluateBonuses_MilestonePaysOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, milestoneTier())
	h.addItem(t, "i1", "u1", 12000)

	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, res.BonusesPaid)
	require.Equal(t, "25.00", res.TotalAmountPaid)
	require.NotEmpty(t, res.Details[0].LedgerEntryID)
	require.True(t, res.Details[0].EventQueued)

	for i := 0; i < 3; i++ {
		h.setViews(t, "i1", int64(20000+i*1000))
		res, err = h.svc.EvaluateBonuses(ctx, "c1")
		require.NoError(t, err)
		require.Zero(t, res.BonusesPaid)
		require.Equal(t, 1, res.Skipped[SkipAlreadyPaid])
	}

	balance, earned := h.balance(t, "u1")
	require.Equal(t, int64(2500), balance)
	require.Equal(t, int64(2500), earned)
	require.Equal(t, 1, h.enqueuer.count(taskname.PayoutRequested))

	var c campaign.Campaign
	require.NoError(t, h.db.First(&c, "id = ?", "c1").Error)
	require.Equal(t, int64(2500), c.BudgetUsedCents)
}

func TestEvaluateBonuses_MeteredIncremental(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, meteredTier())
	h.addItem(t, "i1", "u1", 0)

	var paid []int64
	for _, views := range []int64{10000, 10000, 20000} {
		h.setViews(t, "i1", views)
		res, err := h.svc.EvaluateBonuses(ctx, "c1")
		require.NoError(t, err)
		require.Empty(t, res.Errors)
		paid = append(paid, res.TotalAmountPaidCents)
	}
	require.Equal(t, []int64{5000, 0, 5000}, paid)

	rec, err := h.svc.store.GetPayoutRecord(ctx, "cpm", "i1")
	require.NoError(t, err)
	require.Equal(t, int64(10000), rec.CumulativePaidCents)
	require.Equal(t, int64(20000), rec.ViewsAtLastPayout)
	require.Equal(t, int64(2), rec.Version)

	summary, err := h.ledger.GetLedgerSummary(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.EntryCount)
	require.Equal(t, int64(10000), summary.TotalAccruedCents)

	balance, _ := h.balance(t, "u1")
	require.Equal(t, rec.CumulativePaidCents, balance)
}

func TestEvaluateBonuses_SubCentAccrues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, campaign.BonusTier{ID: "tiny", Kind: campaign.TierKindMetered, Rate: decimal.RequireFromString("0.01"), ViewThreshold: 1000000})
	h.addItem(t, "i1", "u1", 500)

	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, res.BonusesPaid)
	require.Equal(t, 1, res.Skipped[SkipNothingOwed])

	h.setViews(t, "i1", 2500)
	res, err = h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.TotalAmountPaidCents)
}

func TestEvaluateBonuses_MinPayable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.Bonus.MinPayableCents = 100
	h.seed(t, meteredTier())
	h.addItem(t, "i1", "u1", 100)

	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped[SkipBelowMinimum])

	rec, err := h.svc.store.GetPayoutRecord(ctx, "cpm", "i1")
	require.NoError(t, err)
	require.Nil(t, rec)

	h.setViews(t, "i1", 300)
	res, err = h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(150), res.TotalAmountPaidCents)
}

func TestEvaluateBonuses_ViewsRegressed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, meteredTier())
	h.addItem(t, "i1", "u1", 20000)

	_, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)

	h.setViews(t, "i1", 15000)
	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, res.BonusesPaid)
	require.Equal(t, 1, res.Skipped[SkipViewsRegressed])

	balance, _ := h.balance(t, "u1")
	require.Equal(t, int64(10000), balance)
}

func TestEvaluateBonuses_ConcurrentSweepsPayOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, milestoneTier(), meteredTier())
	for _, id := range []string{"i1", "i2", "i3"} {
		h.addItem(t, id, "u1", 30000)
	}

	var (
		mu    sync.Mutex
		total int64
		g     errgroup.Group
	)
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			res, err := h.svc.EvaluateBonuses(ctx, "")
			if err != nil {
				return err
			}
			mu.Lock()
			total += res.TotalAmountPaidCents
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// 3 items x (25.00 milestone + 150.00 metered)
	require.Equal(t, int64(3*(2500+15000)), total)
	balance, earned := h.balance(t, "u1")
	require.Equal(t, total, balance)
	require.Equal(t, total, earned)
	require.Equal(t, 6, h.enqueuer.count(taskname.PayoutRequested))

	var entries int64
	require.NoError(t, h.db.Model(&ledger.LedgerEntry{}).Count(&entries).Error)
	require.Equal(t, int64(6), entries)
}

func TestEvaluateBonuses_ItemFailureIsContained(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness, p *ServiceParams) {
		p.Wallet = &failingWallet{WalletUpdater: h.wallets, failFor: "bad"}
	})
	h.seed(t, milestoneTier())
	h.addItem(t, "i1", "u1", 10000)
	h.addItem(t, "i2", "bad", 10000)
	h.addItem(t, "i3", "u3", 10000)

	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, res.BonusesPaid)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "i2", res.Errors[0].ItemID)
	require.Equal(t, StageApply, res.Errors[0].Stage)

	// the failed payout rolled back entirely and is retried next sweep
	rec, err := h.svc.store.GetPayoutRecord(ctx, "m10k", "i2")
	require.NoError(t, err)
	require.Nil(t, rec)

	var entries int64
	require.NoError(t, h.db.Model(&ledger.LedgerEntry{}).Where("user_id = ?", "bad").Count(&entries).Error)
	require.Zero(t, entries)
}

func TestEvaluateBonuses_EventPublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, milestoneTier())
	h.addItem(t, "i1", "u1", 10000)

	sub, err := h.notifier.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		require.Equal(t, "u1", ev.UserID)
		require.Equal(t, ledger.OpInsert, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("no ledger event published")
	}
}

func TestEvaluateBonuses_ConfigErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing treasury", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.Treasury.WalletID = ""
		h.seed(t, milestoneTier())
		_, err := h.svc.EvaluateBonuses(ctx, "c1")
		require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	})

	t.Run("kill switch", func(t *testing.T) {
		h := newHarness(t, func(h *harness, p *ServiceParams) {
			p.Flags = featureflags.Static{"bonus_evaluation": false}
		})
		h.seed(t, milestoneTier())
		_, err := h.svc.EvaluateBonuses(ctx, "c1")
		require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	})

	t.Run("unknown campaign", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.EvaluateBonuses(ctx, "nope")
		require.True(t, errutil.Is(err, errutil.StatusNotFound))
	})

	t.Run("no active tiers", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t)
		_, err := h.svc.EvaluateBonuses(ctx, "c1")
		require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))

		res, err := h.svc.EvaluateBonuses(ctx, "")
		require.NoError(t, err)
		require.Zero(t, res.CampaignsEvaluated)
	})

	t.Run("campaign paused", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, milestoneTier())
		require.NoError(t, h.db.Model(&campaign.Campaign{}).Where("id = ?", "c1").Update("status", campaign.CampaignStatusPaused).Error)
		_, err := h.svc.EvaluateBonuses(ctx, "c1")
		require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
	})
}

func TestEvaluateBonuses_Eligibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tier := milestoneTier()
	tier.EligibilityExpr = `platform == "youtube"`
	h.seed(t, tier)
	h.addItem(t, "i1", "u1", 10000)

	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, res.BonusesPaid)
	require.Equal(t, 1, res.Skipped[SkipNotEligible])
}

func TestRecordViews_QueuesEvaluation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, milestoneTier())
	h.addItem(t, "i1", "u1", 100)

	item, advanced, err := h.svc.RecordViews(ctx, "i1", 500)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, int64(500), item.Views)

	_, advanced, err = h.svc.RecordViews(ctx, "i1", 400)
	require.NoError(t, err)
	require.False(t, advanced)

	require.Equal(t, 1, h.enqueuer.count(taskname.BonusEvaluate))
}

func TestHandleEvaluateTask_SkipsRetryOnConfigError(t *testing.T) {
	h := newHarness(t)
	task, err := NewEvaluateTask("nope")
	require.NoError(t, err)

	err = h.svc.HandleEvaluateTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestEvaluateBonuses_DeactivatedTierStopsPaying(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, milestoneTier())
	h.addItem(t, "i1", "u1", 5000)

	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped[SkipBelowThreshold])

	require.NoError(t, h.db.Model(&campaign.BonusTier{}).Where("id = ?", "m10k").Update("active", false).Error)
	h.setViews(t, "i1", 20000)

	res, err = h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, res.BonusesPaid)
	require.Equal(t, 1, res.Skipped[SkipNotEligible])

	balance, _ := h.balance(t, "u1")
	require.Zero(t, balance)

	rec, err := h.svc.store.GetPayoutRecord(ctx, "m10k", "i1")
	require.NoError(t, err)
	require.Nil(t, rec)

	tiers, err := h.svc.catalog.ActiveTiers(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, tiers)
}

func TestRequeuePayoutRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, milestoneTier())
	h.addItem(t, "i1", "u1", 12000)

	h.enqueuer.setFailPayouts(true)
	res, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, res.BonusesPaid)
	require.False(t, res.Details[0].EventQueued)
	require.Zero(t, h.enqueuer.count(taskname.PayoutRequested))

	// still failing: nothing is lost
	n, err := h.svc.RequeuePayoutRequests(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	h.enqueuer.setFailPayouts(false)
	n, err = h.svc.RequeuePayoutRequests(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, h.enqueuer.count(taskname.PayoutRequested))

	var entry ledger.LedgerEntry
	require.NoError(t, h.db.First(&entry, "id = ?", res.Details[0].LedgerEntryID).Error)
	require.NotNil(t, entry.EventQueuedAt)

	n, err = h.svc.RequeuePayoutRequests(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, h.enqueuer.count(taskname.PayoutRequested))
}

func TestRequeuePayoutRequests_LeavesFreshEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, milestoneTier())
	h.addItem(t, "i1", "u1", 12000)

	h.enqueuer.setFailPayouts(true)
	_, err := h.svc.EvaluateBonuses(ctx, "c1")
	require.NoError(t, err)
	h.enqueuer.setFailPayouts(false)

	n, err := h.svc.RequeuePayoutRequests(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestHandleEvaluateTask_RetriesWhenFlagsUnavailable(t *testing.T) {
	h := newHarness(t, func(h *harness, p *ServiceParams) {
		p.Flags = flagsDown{}
	})
	h.seed(t, milestoneTier())
	task, err := NewEvaluateTask("c1")
	require.NoError(t, err)

	err = h.svc.HandleEvaluateTask(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
	require.True(t, errutil.Is(err, errutil.StatusServiceUnavailable))
}
