package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"creator-payouts/pkg/config"
	"creator-payouts/pkg/db/option"
	"creator-payouts/pkg/db/pagination"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/repository"
	"creator-payouts/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	findFn    func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] { return m }

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error { return nil }

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error { return nil }

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error { return nil }

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error { return nil }

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) { return 0, nil }

type debit struct {
	userID string
	cents  int64
}

type walletStub struct {
	mu     sync.Mutex
	debits []debit
	err    error
}

func (w *walletStub) Debit(ctx context.Context, tx *gorm.DB, userID string, cents int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.debits = append(w.debits, debit{userID, cents})
	return nil
}

func newTestService(t *testing.T) (*Service, *walletStub, *MemoryNotifier) {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Bonus.ClearingPeriod = 72 * time.Hour

	wallet := &walletStub{}
	notifier := NewMemoryNotifier()
	svc := NewService(ServiceParams{DB: db, Node: node, Notifier: notifier, Wallet: wallet, Config: cfg})
	return svc, wallet, notifier
}

func TestGetLedgerSummary(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	summary, err := svc.GetLedgerSummary(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, summary.EntryCount)
	require.False(t, summary.HasAnomalies)

	for _, cents := range []int64{10, 20, 30} {
		e, err := svc.NewEntry(EntryParams{UserID: "u1", CampaignID: "c1", Kind: KindMetered, Cents: cents})
		require.NoError(t, err)
		require.NoError(t, svc.Append(ctx, svc.db, e))
	}

	summary, err = svc.GetLedgerSummary(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, summary.EntryCount)
	require.Equal(t, 3, summary.ClearingCount)
	require.Equal(t, "0.60", summary.TotalAccrued().StringFixed(2))
	require.Zero(t, summary.TotalPendingCents)

	_, err = svc.GetLedgerSummary(ctx, "")
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
}

func TestGetLedgerSummary_FetchFailed(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.entries = &repoMock[LedgerEntry]{
		findFn: func(ctx context.Context, query *LedgerEntry, opts ...option.QueryOption) ([]*LedgerEntry, error) {
			return nil, errors.New("dial tcp 10.0.0.7:5432: connection refused")
		},
	}

	_, err := svc.GetLedgerSummary(context.Background(), "u1")
	require.Error(t, err)

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusInternal, be.Code)
	require.Equal(t, "fetch_failed", be.Message)
	require.NotContains(t, err.Error(), "10.0.0.7")
}

func TestClawBack(t *testing.T) {
	ctx := context.Background()
	svc, wallet, notifier := newTestService(t)

	entry, err := svc.NewEntry(EntryParams{UserID: "u1", CampaignID: "c1", TierID: "t1", ItemID: "i1", Kind: KindMilestone, Cents: 2500})
	require.NoError(t, err)
	require.NoError(t, svc.Append(ctx, svc.db, entry))

	sub, err := notifier.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	got, err := svc.ClawBack(ctx, entry.ID, "fraudulent views")
	require.NoError(t, err)
	require.Equal(t, StatusClawedBack, got.Status)
	require.Equal(t, []debit{{"u1", 2500}}, wallet.debits)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Equal(t, "fraudulent views", meta["clawback_reason"])
	require.Equal(t, "clearing", meta["clawback_from_status"])

	select {
	case ev := <-sub.Events():
		require.Equal(t, entry.ID, ev.EntryID)
		require.Equal(t, OpUpdate, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("no clawback event")
	}

	_, err = svc.ClawBack(ctx, entry.ID, "again")
	require.True(t, errutil.Is(err, errutil.StatusConflict))
	require.Len(t, wallet.debits, 1)

	_, err = svc.ClawBack(ctx, "missing", "x")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	summary, err := svc.GetLedgerSummary(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, summary.ClawedBackCount)
	require.Zero(t, summary.TotalPaidCents)
	require.Equal(t, int64(2500), summary.TotalAccruedCents)
}

func TestClawBack_WalletFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	svc, wallet, _ := newTestService(t)
	wallet.err = errors.New("wallet unavailable")

	entry, err := svc.NewEntry(EntryParams{UserID: "u1", Kind: KindMilestone, Cents: 100})
	require.NoError(t, err)
	require.NoError(t, svc.Append(ctx, svc.db, entry))

	_, err = svc.ClawBack(ctx, entry.ID, "x")
	require.Error(t, err)

	var stored LedgerEntry
	require.NoError(t, svc.db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, StatusClearing, stored.Status)
}

func TestSettleCleared(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	early, err := svc.NewEntry(EntryParams{UserID: "u1", Kind: KindMetered, Cents: 100})
	require.NoError(t, err)
	require.NoError(t, svc.Append(ctx, svc.db, early))

	svc.now = func() time.Time { return base.Add(48 * time.Hour) }
	late, err := svc.NewEntry(EntryParams{UserID: "u1", Kind: KindMetered, Cents: 200})
	require.NoError(t, err)
	require.NoError(t, svc.Append(ctx, svc.db, late))

	n, err := svc.SettleCleared(ctx, base.Add(73*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	summary, err := svc.GetLedgerSummary(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, summary.PaidCount)
	require.Equal(t, 1, summary.ClearingCount)

	n, err = svc.SettleCleared(ctx, base.Add(200*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSettleCleared_SkipsEntryClawedBackMeanwhile(t *testing.T) {
	ctx := context.Background()
	svc, _, notifier := newTestService(t)

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	entry, err := svc.NewEntry(EntryParams{UserID: "u1", Kind: KindMilestone, Cents: 2500})
	require.NoError(t, err)
	require.NoError(t, svc.Append(ctx, svc.db, entry))

	// the listing still sees the entry as clearing
	stale := *entry
	svc.entries = &repoMock[LedgerEntry]{findFn: func(ctx context.Context, query *LedgerEntry, opts ...option.QueryOption) ([]*LedgerEntry, error) {
		return []*LedgerEntry{&stale}, nil
	}}
	require.NoError(t, svc.db.Model(&LedgerEntry{}).Where("id = ?", entry.ID).Update("status", StatusClawedBack).Error)

	sub, err := notifier.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	n, err := svc.SettleCleared(ctx, base.Add(100*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	var stored LedgerEntry
	require.NoError(t, svc.db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, StatusClawedBack, stored.Status)
}

func TestClawBack_KeepsUnreadableMetadata(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	entry, err := svc.NewEntry(EntryParams{UserID: "u1", Kind: KindMilestone, Cents: 2500})
	require.NoError(t, err)
	entry.Metadata = datatypes.JSON("{broken")
	require.NoError(t, svc.Append(ctx, svc.db, entry))

	clawed, err := svc.ClawBack(ctx, entry.ID, "fraud")
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(clawed.Metadata, &meta))
	require.Equal(t, "{broken", meta["original_metadata"])
	require.Equal(t, "fraud", meta["clawback_reason"])
}

func TestUnqueuedEntries(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	add := func(user string) *LedgerEntry {
		e, err := svc.NewEntry(EntryParams{UserID: user, Kind: KindMetered, Cents: 100})
		require.NoError(t, err)
		require.NoError(t, svc.Append(ctx, svc.db, e))
		return e
	}
	queued := add("u1")
	lost := add("u2")
	clawed := add("u3")

	require.NoError(t, svc.MarkEventQueued(ctx, queued.ID))
	_, err := svc.ClawBack(ctx, clawed.ID, "fraud")
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(time.Hour) }
	add("u4")

	entries, err := svc.UnqueuedEntries(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, lost.ID, entries[0].ID)

	require.NoError(t, svc.MarkEventQueued(ctx, lost.ID))
	entries, err = svc.UnqueuedEntries(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestListEntriesPage(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for i := 0; i < 5; i++ {
		e, err := svc.NewEntry(EntryParams{UserID: "u1", Kind: KindMetered, Cents: int64(i + 1)})
		require.NoError(t, err)
		require.NoError(t, svc.Append(ctx, svc.db, e))
	}

	var seen []string
	page := pagination.Pagination{Limit: 2}
	for {
		entries, info, err := svc.ListEntriesPage(ctx, "u1", page)
		require.NoError(t, err)
		for _, e := range entries {
			seen = append(seen, e.ID)
		}
		if !info.HasMore {
			break
		}
		page.Cursor = info.NextCursor
	}
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i-1], seen[i])
	}

	_, _, err := svc.ListEntriesPage(ctx, "u1", pagination.Pagination{Limit: 2, Cursor: "not-a-cursor"})
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
}
