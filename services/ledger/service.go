package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"creator-payouts/pkg/config"
	"creator-payouts/pkg/db/option"
	"creator-payouts/pkg/db/pagination"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WalletDebiter reverses a credited amount inside the caller's transaction.
type WalletDebiter interface {
	Debit(ctx context.Context, tx *gorm.DB, userID string, cents int64) error
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	entries  repository.Repository[LedgerEntry]
	notifier Notifier
	wallet   WalletDebiter

	clearingPeriod time.Duration
	now            func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Notifier Notifier
	Wallet   WalletDebiter
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		entries:  repository.ProvideStore[LedgerEntry](p.DB),
		notifier: p.Notifier,
		wallet:   p.Wallet,

		clearingPeriod: p.Config.Bonus.ClearingPeriod,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// ListEntries returns userID's entries oldest first.
func (s *Service) ListEntries(ctx context.Context, userID string) ([]*LedgerEntry, error) {
	return s.entries.Find(ctx, &LedgerEntry{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
	)
}

// ListEntriesPage returns userID's entries newest first, one page at a
// time. Ids are time ordered, so the cursor is the last id seen.
func (s *Service) ListEntriesPage(ctx context.Context, userID string, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	if userID == "" {
		return nil, nil, errutil.BadRequest("user_id is required", nil)
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc"}),
		option.WithLimit(limit + 1),
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil || cursor.ID == "" {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "id", Operator: option.LT, Value: cursor.ID}))
	}

	entries, err := s.entries.Find(ctx, &LedgerEntry{UserID: userID}, opts...)
	if err != nil {
		zap.L().With(logFields(ctx)...).Error("failed to list ledger entries", zap.String("user_id", userID), zap.Error(err))
		return nil, nil, errutil.New(errutil.StatusInternal, "fetch_failed")
	}

	entries, info, err := pagination.BuildCursorPage(entries, limit, func(e *LedgerEntry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID}
	})
	if err != nil {
		return nil, nil, errutil.Internal("failed to build cursor", err)
	}
	return entries, info, nil
}

// GetLedgerSummary aggregates all of userID's entries. A user with no
// entries gets a zero Summary. Store failures surface as a generic
// fetch_failed error; the cause is logged, never returned.
func (s *Service) GetLedgerSummary(ctx context.Context, userID string) (*Summary, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	entries, err := s.ListEntries(ctx, userID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, errutil.ClientClosedRequest("fetch_cancelled", nil)
		}
		zap.L().With(logFields(ctx)...).Error("failed to fetch ledger entries", zap.String("user_id", userID), zap.Error(err))
		return nil, errutil.New(errutil.StatusInternal, "fetch_failed")
	}

	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, e.Row())
	}

	summary := Aggregate(rows)
	if summary.HasAnomalies {
		zap.L().With(logFields(ctx)...).Warn("ledger anomalies detected",
			zap.String("user_id", userID),
			zap.Int("anomalies", len(summary.Anomalies)),
		)
	}
	return &summary, nil
}

// Watch returns a LiveSummary for userID backed by this service.
func (s *Service) Watch(ctx context.Context, userID string) (*LiveSummary, error) {
	return Watch(ctx, s.notifier, userID, s.GetLedgerSummary)
}

type EntryParams struct {
	UserID     string
	CampaignID string
	TierID     string
	ItemID     string
	Kind       EntryKind
	Cents      int64
	Metadata   map[string]any
}

// NewEntry builds a credited entry that starts in the clearing window.
func (s *Service) NewEntry(p EntryParams) (*LedgerEntry, error) {
	now := s.now()
	ends := now.Add(s.clearingPeriod)

	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	return &LedgerEntry{
		ID:             s.node.Generate().String(),
		UserID:         p.UserID,
		CampaignID:     p.CampaignID,
		TierID:         p.TierID,
		ItemID:         p.ItemID,
		Kind:           p.Kind,
		AccruedCents:   p.Cents,
		PaidCents:      p.Cents,
		Status:         StatusClearing,
		ClearingEndsAt: &ends,
		Metadata:       datatypes.JSON(meta),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Append writes entry inside tx.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error {
	return s.entries.WithTrx(tx).Create(ctx, entry)
}

// Notify publishes a mutation event. Delivery is best effort; the ledger
// row is already committed.
func (s *Service) Notify(ctx context.Context, entry *LedgerEntry, op string) {
	ev := Event{UserID: entry.UserID, EntryID: entry.ID, Status: entry.Status, Op: op, At: s.now()}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		zap.L().With(logFields(ctx)...).Warn("failed to publish ledger event", zap.String("entry_id", entry.ID), zap.Error(err))
	}
}

// ClawBack reverses a credited entry: the entry moves to clawed_back and
// the paid amount leaves the wallet balance. Total earned is untouched.
func (s *Service) ClawBack(ctx context.Context, entryID, reason string) (*LedgerEntry, error) {
	fields := append(logFields(ctx), zap.String("entry_id", entryID))

	var entry *LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.entries.WithTrx(tx).FindOne(ctx, &LedgerEntry{ID: entryID}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load ledger entry", err)
		}
		if found == nil {
			return errutil.NotFound("ledger entry not found", nil)
		}
		if found.Status == StatusClawedBack {
			return errutil.Conflict("ledger entry already clawed back", nil)
		}

		var meta map[string]any
		if len(found.Metadata) > 0 {
			if err := json.Unmarshal(found.Metadata, &meta); err != nil {
				zap.L().With(fields...).Warn("unreadable entry metadata, keeping raw value", zap.Error(err))
				meta = map[string]any{"original_metadata": string(found.Metadata)}
			}
		}
		if meta == nil {
			meta = map[string]any{}
		}
		meta["clawback_reason"] = reason
		meta["clawback_from_status"] = string(found.Status)
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&LedgerEntry{}).
			Where("id = ? AND status = ?", found.ID, found.Status).
			Updates(map[string]any{
				"status":     StatusClawedBack,
				"metadata":   datatypes.JSON(raw),
				"updated_at": now,
			})
		if res.Error != nil {
			return errutil.Internal("failed to update ledger entry", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("ledger entry changed concurrently", nil)
		}

		if found.PaidCents > 0 {
			if err := s.wallet.Debit(ctx, tx, found.UserID, found.PaidCents); err != nil {
				return err
			}
		}

		found.Status = StatusClawedBack
		found.Metadata = raw
		found.UpdatedAt = now
		entry = found
		return nil
	})
	if err != nil {
		zap.L().With(fields...).Error("clawback failed", zap.Error(err))
		return nil, err
	}

	zap.L().With(fields...).Info("ledger entry clawed back", zap.String("user_id", entry.UserID), zap.Int64("cents", entry.PaidCents))
	s.Notify(ctx, entry, OpUpdate)
	return entry, nil
}

// SettleCleared moves clearing entries whose window has ended to paid and
// returns how many moved. Each row is guarded on its status so an entry
// clawed back in the meantime stays clawed back and gets no event.
func (s *Service) SettleCleared(ctx context.Context, now time.Time) (int, error) {
	due, err := s.entries.Find(ctx, &LedgerEntry{Status: StatusClearing},
		option.ApplyOperator(option.Condition{Field: "clearing_ends_at", Operator: option.LTE, Value: now}),
	)
	if err != nil {
		return 0, errutil.Internal("failed to list clearing entries", err)
	}

	settled := 0
	for _, e := range due {
		res := s.db.WithContext(ctx).Model(&LedgerEntry{}).
			Where("id = ? AND status = ?", e.ID, StatusClearing).
			Updates(map[string]any{"status": StatusPaid, "updated_at": now})
		if res.Error != nil {
			return settled, errutil.Internal("failed to settle entry", res.Error)
		}
		if res.RowsAffected != 1 {
			continue
		}
		settled++
		e.Status = StatusPaid
		e.UpdatedAt = now
		s.Notify(ctx, e, OpUpdate)
	}

	if settled > 0 {
		zap.L().With(logFields(ctx)...).Info("settled clearing entries", zap.Int("settled", settled))
	}
	return settled, nil
}

// MarkEventQueued records that the payout request for entryID reached the
// queue.
func (s *Service) MarkEventQueued(ctx context.Context, entryID string) error {
	return s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("id = ? AND event_queued_at IS NULL", entryID).
		Update("event_queued_at", s.now()).Error
}

// UnqueuedEntries lists entries created before the cutoff whose payout
// request never reached the queue, oldest first. Clawed back entries are
// left out; there is nothing to pay.
func (s *Service) UnqueuedEntries(ctx context.Context, before time.Time, limit int) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	err := s.db.WithContext(ctx).
		Where("event_queued_at IS NULL AND status <> ? AND created_at <= ?", StatusClawedBack, before).
		Order("created_at asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, errutil.Internal("failed to list unqueued entries", err)
	}
	return entries, nil
}

func (s *Service) HandleSettleTask(ctx context.Context, t *asynq.Task) error {
	_, err := s.SettleCleared(ctx, s.now())
	return err
}
