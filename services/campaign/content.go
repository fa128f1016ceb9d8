package campaign

import (
	"context"
	"time"

	"creator-payouts/pkg/db/option"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MetricSource supplies the approved items of a campaign with their
// latest view counts.
type MetricSource interface {
	ListItems(ctx context.Context, campaignID string) ([]*ContentItem, error)
}

type ContentStore struct {
	db    *gorm.DB
	items repository.Repository[ContentItem]
}

func NewContentStore(db *gorm.DB) *ContentStore {
	return &ContentStore{
		db:    db,
		items: repository.ProvideStore[ContentItem](db),
	}
}

func (s *ContentStore) ListItems(ctx context.Context, campaignID string) ([]*ContentItem, error) {
	items, err := s.items.Find(ctx, &ContentItem{
		CampaignID: campaignID,
		Status:     ItemStatusApproved,
	}, option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}))
	if err != nil {
		return nil, errutil.Internal("failed to list content items", err)
	}
	return items, nil
}

func (s *ContentStore) GetItem(ctx context.Context, itemID string) (*ContentItem, error) {
	item, err := s.items.FindOne(ctx, &ContentItem{ID: itemID})
	if err != nil {
		return nil, errutil.Internal("failed to load content item", err)
	}
	if item == nil {
		return nil, errutil.NotFound("content item not found", nil)
	}
	return item, nil
}

// RecordViews stores a new view count. Counts never move backwards: a
// lower reading leaves the stored value in place and reports false.
func (s *ContentStore) RecordViews(ctx context.Context, itemID string, views int64) (*ContentItem, bool, error) {
	if views < 0 {
		return nil, false, errutil.ValidationFailed("views must be >= 0", nil)
	}

	res := s.db.WithContext(ctx).Model(&ContentItem{}).
		Where("id = ? AND views < ?", itemID, views).
		Updates(map[string]any{"views": views, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, false, errutil.Internal("failed to record views", res.Error)
	}

	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, false, err
	}

	advanced := res.RowsAffected > 0
	if !advanced && item.Views > views {
		zap.L().Warn("view count regression ignored",
			zap.String("item_id", itemID),
			zap.Int64("stored_views", item.Views),
			zap.Int64("reported_views", views),
		)
	}
	return item, advanced, nil
}
