package payout

import (
	"context"
	"errors"
	"sync"
	"time"

	"creator-payouts/pkg/config"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/featureflags"
	"creator-payouts/pkg/money"
	"creator-payouts/pkg/task"
	"creator-payouts/services/campaign"
	"creator-payouts/services/ledger"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	errConcurrentUpdate = errors.New("payout record changed concurrently")
	errTierInactive     = errors.New("bonus tier no longer active")
)

// LedgerWriter records the reason for a payout before money moves.
type LedgerWriter interface {
	NewEntry(p ledger.EntryParams) (*ledger.LedgerEntry, error)
	Append(ctx context.Context, tx *gorm.DB, entry *ledger.LedgerEntry) error
	Notify(ctx context.Context, entry *ledger.LedgerEntry, op string)
	MarkEventQueued(ctx context.Context, entryID string) error
	UnqueuedEntries(ctx context.Context, before time.Time, limit int) ([]*ledger.LedgerEntry, error)
}

// ViewRecorder stores metric snapshots pushed by the metric source.
type ViewRecorder interface {
	RecordViews(ctx context.Context, itemID string, views int64) (*campaign.ContentItem, bool, error)
}

// WalletUpdater moves the money inside the payout transaction.
type WalletUpdater interface {
	Credit(ctx context.Context, tx *gorm.DB, userID string, cents int64) error
	ConsumeBudget(ctx context.Context, tx *gorm.DB, campaignID string, cents int64) (bool, error)
}

type Service struct {
	db       *gorm.DB
	store    Store
	catalog  campaign.Catalog
	metrics  campaign.MetricSource
	views    ViewRecorder
	ledger   LedgerWriter
	wallet   WalletUpdater
	flags    featureflags.FeatureFlag
	enqueuer task.Enqueuer
	cfg      *config.Config
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Catalog  campaign.Catalog
	Metrics  campaign.MetricSource
	Views    ViewRecorder
	Ledger   LedgerWriter
	Wallet   WalletUpdater
	Flags    featureflags.FeatureFlag
	Enqueuer task.Enqueuer
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		store:    NewStore(p.DB),
		catalog:  p.Catalog,
		metrics:  p.Metrics,
		views:    p.Views,
		ledger:   p.Ledger,
		wallet:   p.Wallet,
		flags:    p.Flags,
		enqueuer: p.Enqueuer,
		cfg:      p.Config,
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

type campaignWork struct {
	campaign *campaign.Campaign
	tiers    []*campaign.BonusTier
}

// preflight resolves everything a sweep needs before any money moves and
// fails on configuration problems the operator has to fix.
func (s *Service) preflight(ctx context.Context, campaignID string, result *Result) ([]campaignWork, error) {
	if s.cfg.Treasury.WalletID == "" {
		return nil, errutil.UnprocessableEntity("treasury wallet is not configured", nil,
			errutil.WithDetails(errutil.Detail{Field: "TREASURY.WALLET_ID", Message: "required"}))
	}

	enabled, err := s.flags.Enabled(ctx, s.cfg.Bonus.FeatureFlag)
	if err != nil {
		return nil, errutil.New(errutil.StatusServiceUnavailable, "feature flag lookup failed", errutil.WithErr(err))
	}
	if !enabled {
		return nil, errutil.UnprocessableEntity("bonus evaluation is disabled", nil,
			errutil.WithDetails(errutil.Detail{Field: "feature_flag", Message: s.cfg.Bonus.FeatureFlag}))
	}

	campaigns, err := s.catalog.EvaluableCampaigns(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if campaignID != "" {
		c := campaigns[0]
		if !c.Evaluable() {
			return nil, errutil.UnprocessableEntity("campaign is not active or has bonuses disabled", nil,
				errutil.WithDetails(errutil.Detail{Field: "campaign_id", Message: campaignID}))
		}
		tiers, err := s.catalog.ActiveTiers(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if len(tiers) == 0 {
			return nil, errutil.UnprocessableEntity("campaign has no active bonus tiers", nil,
				errutil.WithDetails(errutil.Detail{Field: "campaign_id", Message: campaignID}))
		}
		return []campaignWork{{campaign: c, tiers: tiers}}, nil
	}

	work := make([]campaignWork, 0, len(campaigns))
	for _, c := range campaigns {
		tiers, err := s.catalog.ActiveTiers(ctx, c.ID)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{CampaignID: c.ID, Stage: StageLoadTiers, Error: err.Error()})
			bonusErrorsTotal.WithLabelValues(StageLoadTiers).Inc()
			continue
		}
		if len(tiers) == 0 {
			zap.L().With(logFields(ctx)...).Debug("campaign has no active tiers", zap.String("campaign_id", c.ID))
			continue
		}
		work = append(work, campaignWork{campaign: c, tiers: tiers})
	}
	return work, nil
}

// EvaluateBonuses pays every newly owed bonus of one campaign, or of all
// evaluable campaigns when campaignID is empty. Failures on single items
// are collected in the Result; only configuration errors fail the call.
func (s *Service) EvaluateBonuses(ctx context.Context, campaignID string) (*Result, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	fields := append(logFields(ctx), zap.String("campaign_id", campaignID))
	result := newResult()

	work, err := s.preflight(ctx, campaignID, result)
	if err != nil {
		zap.L().With(fields...).Error("bonus evaluation refused", zap.Error(err))
		return nil, err
	}

	var mu sync.Mutex
	for _, w := range work {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		items, err := s.metrics.ListItems(ctx, w.campaign.ID)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{CampaignID: w.campaign.ID, Stage: StageListItems, Error: err.Error()})
			bonusErrorsTotal.WithLabelValues(StageListItems).Inc()
			continue
		}
		result.CampaignsEvaluated++
		result.ItemsEvaluated += len(items)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(s.cfg.Bonus.Concurrency, 1))
		for _, item := range items {
			g.Go(func() error {
				outcome := s.evaluateItem(gctx, w.campaign, w.tiers, item)
				mu.Lock()
				result.merge(outcome)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	zap.L().With(fields...).Info("bonus evaluation finished",
		zap.Int("campaigns", result.CampaignsEvaluated),
		zap.Int("items", result.ItemsEvaluated),
		zap.Int("bonuses_paid", result.BonusesPaid),
		zap.String("total_amount_paid", result.TotalAmountPaid),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// evaluateItem walks every tier for one item in catalog order.
func (s *Service) evaluateItem(ctx context.Context, c *campaign.Campaign, tiers []*campaign.BonusTier, item *campaign.ContentItem) *itemOutcome {
	out := &itemOutcome{}
	fail := func(tier *campaign.BonusTier, stage string, err error) {
		out.errors = append(out.errors, ItemError{CampaignID: c.ID, TierID: tier.ID, ItemID: item.ID, Stage: stage, Error: err.Error()})
		bonusErrorsTotal.WithLabelValues(stage).Inc()
		zap.L().With(logFields(ctx)...).Error("bonus evaluation failed",
			zap.String("campaign_id", c.ID),
			zap.String("tier_id", tier.ID),
			zap.String("item_id", item.ID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
	skip := func(reason string) {
		out.skip(reason)
		bonusSkippedTotal.WithLabelValues(reason).Inc()
	}

	for _, tier := range tiers {
		ok, err := tier.Applies(item)
		if err != nil {
			fail(tier, StageEligibility, err)
			continue
		}
		if !ok {
			skip(SkipNotEligible)
			continue
		}

		rec, err := s.store.GetPayoutRecord(ctx, tier.ID, item.ID)
		if err != nil {
			fail(tier, StageLoadRecord, err)
			continue
		}

		decision, err := Plan(tier, item, rec, s.cfg.Bonus.MinPayableCents)
		if err != nil {
			fail(tier, StagePlan, err)
			continue
		}
		if !decision.Pays() {
			if decision.Skip == SkipViewsRegressed {
				zap.L().With(logFields(ctx)...).Warn("view count regressed, skipping",
					zap.String("tier_id", tier.ID),
					zap.String("item_id", item.ID),
					zap.Int64("views", item.Views),
					zap.Int64("views_at_last_payout", rec.ViewsAtLastPayout),
				)
			}
			skip(decision.Skip)
			continue
		}

		detail, err := s.applyPayout(ctx, c, tier, item, rec, decision)
		if errors.Is(err, errConcurrentUpdate) {
			skip(SkipConcurrentUpdate)
			continue
		}
		if errors.Is(err, errTierInactive) {
			s.catalog.Invalidate(c.ID)
			skip(SkipNotEligible)
			continue
		}
		if err != nil {
			fail(tier, StageApply, err)
			continue
		}

		bonusesPaidTotal.WithLabelValues(string(tier.Kind)).Inc()
		bonusCentsTotal.WithLabelValues(string(tier.Kind)).Add(float64(detail.AmountCents))
		out.details = append(out.details, *detail)
	}
	return out
}

// applyPayout commits one payout: the record and the ledger entry (the
// reason) are written before the wallet and budget move, all in one
// transaction. A lost race on the record rolls everything back, and so
// does a tier deactivated since the catalog was read.
func (s *Service) applyPayout(ctx context.Context, c *campaign.Campaign, tier *campaign.BonusTier, item *campaign.ContentItem, rec *PayoutRecord, d Decision) (*Detail, error) {
	var (
		entry      *ledger.LedgerEntry
		overBudget bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&campaign.BonusTier{}).Where("id = ? AND active = ?", tier.ID, true).Count(&active).Error; err != nil {
			return err
		}
		if active == 0 {
			return errTierInactive
		}

		store := s.store.WithTrx(tx)

		next := &PayoutRecord{
			TierID:              tier.ID,
			ItemID:              item.ID,
			CampaignID:          c.ID,
			CreatorID:           item.CreatorID,
			ViewsAtLastPayout:   item.Views,
			CumulativePaidCents: d.EntitlementCents,
		}
		if rec == nil {
			inserted, err := store.InsertPayoutRecord(ctx, next)
			if err != nil {
				return err
			}
			if !inserted {
				return errConcurrentUpdate
			}
		} else {
			swapped, err := store.CompareAndSwapPayoutRecord(ctx, next, rec.Version)
			if err != nil {
				return err
			}
			if !swapped {
				return errConcurrentUpdate
			}
		}

		var err error
		entry, err = s.ledger.NewEntry(ledger.EntryParams{
			UserID:     item.CreatorID,
			CampaignID: c.ID,
			TierID:     tier.ID,
			ItemID:     item.ID,
			Kind:       ledger.EntryKind(tier.Kind),
			Cents:      d.OwedCents,
			Metadata: map[string]any{
				"views":                 item.Views,
				"entitlement_cents":     d.EntitlementCents,
				"previously_paid_cents": d.EntitlementCents - d.OwedCents,
				"treasury_wallet_id":    s.cfg.Treasury.WalletID,
			},
		})
		if err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx, entry); err != nil {
			return err
		}

		if err := s.wallet.Credit(ctx, tx, item.CreatorID, d.OwedCents); err != nil {
			return err
		}

		overBudget, err = s.wallet.ConsumeBudget(ctx, tx, c.ID, d.OwedCents)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(logFields(ctx)...).Info("bonus paid",
		zap.String("campaign_id", c.ID),
		zap.String("tier_id", tier.ID),
		zap.String("item_id", item.ID),
		zap.String("creator_id", item.CreatorID),
		zap.String("amount", money.Format(d.OwedCents)),
		zap.String("ledger_entry_id", entry.ID),
	)

	s.ledger.Notify(ctx, entry, ledger.OpInsert)

	return &Detail{
		CampaignID:          c.ID,
		TierID:              tier.ID,
		ItemID:              item.ID,
		CreatorID:           item.CreatorID,
		Kind:                tier.Kind,
		Views:               item.Views,
		AmountCents:         d.OwedCents,
		Amount:              money.Format(d.OwedCents),
		CumulativePaidCents: d.EntitlementCents,
		LedgerEntryID:       entry.ID,
		OverBudget:          overBudget,
		EventQueued:         s.requestPayout(ctx, entry),
	}, nil
}

// requestPayout hands the committed entry to the payment rail and stamps
// it as queued. A task id conflict means an earlier attempt already queued
// it. Entries left unstamped are picked up by RequeuePayoutRequests.
func (s *Service) requestPayout(ctx context.Context, entry *ledger.LedgerEntry) bool {
	t, err := NewPayoutRequestedTask(entry, s.cfg.Treasury.WalletID)
	if err == nil {
		_, err = s.enqueuer.Enqueue(ctx, t)
	}
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().With(logFields(ctx)...).Error("failed to enqueue payout request",
			zap.String("ledger_entry_id", entry.ID),
			zap.Error(err),
		)
		return false
	}

	if err := s.ledger.MarkEventQueued(ctx, entry.ID); err != nil {
		zap.L().With(logFields(ctx)...).Warn("failed to mark payout request queued",
			zap.String("ledger_entry_id", entry.ID),
			zap.Error(err),
		)
	}
	return true
}

// RequeuePayoutRequests sends payout:requested again for committed entries
// whose first enqueue failed. Entries younger than grace are left to the
// sweep that created them.
func (s *Service) RequeuePayoutRequests(ctx context.Context, grace time.Duration) (int, error) {
	entries, err := s.ledger.UnqueuedEntries(ctx, time.Now().UTC().Add(-grace), requeueBatch)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, entry := range entries {
		if s.requestPayout(ctx, entry) {
			queued++
		}
	}
	if len(entries) > 0 {
		zap.L().With(logFields(ctx)...).Info("payout requests requeued",
			zap.Int("pending", len(entries)),
			zap.Int("queued", queued),
		)
	}
	return queued, nil
}

// RecordViews stores a metric snapshot and, when it moved forward, queues
// an evaluation of the item's campaign.
func (s *Service) RecordViews(ctx context.Context, itemID string, views int64) (*campaign.ContentItem, bool, error) {
	item, advanced, err := s.views.RecordViews(ctx, itemID, views)
	if err != nil || !advanced {
		return item, advanced, err
	}

	t, err := NewEvaluateTask(item.CampaignID)
	if err == nil {
		_, err = s.enqueuer.Enqueue(ctx, t, asynq.Unique(time.Minute))
	}
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		zap.L().With(logFields(ctx)...).Warn("failed to queue evaluation", zap.String("campaign_id", item.CampaignID), zap.Error(err))
	}
	return item, advanced, nil
}
