package campaign

import (
	"context"
	"time"

	"creator-payouts/pkg/db/option"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/repository"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Catalog is the read side of campaigns and their bonus tiers.
type Catalog interface {
	GetCampaign(ctx context.Context, campaignID string) (*Campaign, error)
	// EvaluableCampaigns returns every active campaign with bonuses on when
	// campaignID is empty, otherwise just that campaign (any status).
	EvaluableCampaigns(ctx context.Context, campaignID string) ([]*Campaign, error)
	// ActiveTiers returns the campaign's active tiers in catalog order.
	ActiveTiers(ctx context.Context, campaignID string) ([]*BonusTier, error)
	Invalidate(campaignID string)
}

type catalog struct {
	campaigns repository.Repository[Campaign]
	tiers     repository.Repository[BonusTier]
	cache     *expirable.LRU[string, []*BonusTier]
}

func NewCatalog(db *gorm.DB, size int, ttl time.Duration) Catalog {
	if size <= 0 {
		size = 1024
	}
	return &catalog{
		campaigns: repository.ProvideStore[Campaign](db),
		tiers:     repository.ProvideStore[BonusTier](db),
		cache:     expirable.NewLRU[string, []*BonusTier](size, nil, ttl),
	}
}

func (c *catalog) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	found, err := c.campaigns.FindOne(ctx, &Campaign{ID: campaignID})
	if err != nil {
		return nil, errutil.Internal("failed to load campaign", err)
	}
	if found == nil {
		return nil, errutil.NotFound("campaign not found", nil, errutil.WithDetails(errutil.Detail{Field: "campaign_id", Message: campaignID}))
	}
	return found, nil
}

func (c *catalog) EvaluableCampaigns(ctx context.Context, campaignID string) ([]*Campaign, error) {
	if campaignID != "" {
		found, err := c.GetCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return []*Campaign{found}, nil
	}

	campaigns, err := c.campaigns.Find(ctx, &Campaign{
		Status:         CampaignStatusActive,
		BonusesEnabled: true,
	}, option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}))
	if err != nil {
		return nil, errutil.Internal("failed to list campaigns", err)
	}
	return campaigns, nil
}

func (c *catalog) ActiveTiers(ctx context.Context, campaignID string) ([]*BonusTier, error) {
	if tiers, ok := c.cache.Get(campaignID); ok {
		return tiers, nil
	}

	tiers, err := c.tiers.Find(ctx, &BonusTier{CampaignID: campaignID, Active: true},
		option.WithSortBy(option.QuerySortBy{SortBy: "position", OrderBy: "asc"}),
	)
	if err != nil {
		return nil, errutil.Internal("failed to load bonus tiers", err)
	}

	c.cache.Add(campaignID, tiers)
	zap.L().Debug("bonus tiers cached", zap.String("campaign_id", campaignID), zap.Int("tiers", len(tiers)))
	return tiers, nil
}

func (c *catalog) Invalidate(campaignID string) {
	if campaignID == "" {
		c.cache.Purge()
		return
	}
	c.cache.Remove(campaignID)
}
