package campaign

import (
	"fmt"
	"strings"
	"time"

	"creator-payouts/pkg/celengine"
	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/money"

	"github.com/shopspring/decimal"
)

type CampaignStatus string
type TierKind string
type ItemStatus string

const (
	CampaignStatusDraft  CampaignStatus = "draft"
	CampaignStatusActive CampaignStatus = "active"
	CampaignStatusPaused CampaignStatus = "paused"
	CampaignStatusEnded  CampaignStatus = "ended"

	TierKindMilestone TierKind = "milestone"
	TierKindMetered   TierKind = "metered"

	ItemStatusPending  ItemStatus = "pending"
	ItemStatusApproved ItemStatus = "approved"
	ItemStatusRejected ItemStatus = "rejected"
)

// viewsPerRateUnit is the view count a metered rate is quoted against (CPM).
const viewsPerRateUnit = 1000

// Campaign is the budget holder bonus tiers pay out of. BudgetUsedCents only
// grows and may exceed BudgetCents since payouts are not reserved up front.
type Campaign struct {
	ID              string         `gorm:"column:id;primaryKey;size:64"`
	BrandID         string         `gorm:"column:brand_id;index;size:64"`
	Name            string         `gorm:"column:name;size:255"`
	BudgetCents     int64          `gorm:"column:budget_cents;not null;default:0"`
	BudgetUsedCents int64          `gorm:"column:budget_used_cents;not null;default:0"`
	BonusesEnabled  bool           `gorm:"column:bonuses_enabled;not null;default:false"`
	Status          CampaignStatus `gorm:"column:status;size:32;not null;default:'draft'"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Campaign) TableName() string { return "campaigns" }

// Evaluable reports whether the bonus sweep should look at this campaign.
func (c *Campaign) Evaluable() bool {
	return c.Status == CampaignStatusActive && c.BonusesEnabled
}

func (c *Campaign) OverBudget() bool {
	return c.BudgetUsedCents > c.BudgetCents
}

// BonusTier is one compensation rule of a campaign's catalog. Tier terms are
// immutable once active: edits go through deactivating and adding a tier.
type BonusTier struct {
	ID              string          `gorm:"column:id;primaryKey;size:64"`
	CampaignID      string          `gorm:"column:campaign_id;index;size:64;not null"`
	Kind            TierKind        `gorm:"column:kind;size:32;not null"`
	ViewThreshold   int64           `gorm:"column:view_threshold;not null;default:0"`
	MinViews        int64           `gorm:"column:min_views;not null;default:0"`
	Rate            decimal.Decimal `gorm:"column:rate;type:decimal(20,6);not null;default:0"`
	BonusAmount     decimal.Decimal `gorm:"column:bonus_amount;type:decimal(20,2);not null;default:0"`
	Active          bool            `gorm:"column:active;not null;default:true"`
	Position        int             `gorm:"column:position;not null;default:0"`
	EligibilityExpr string          `gorm:"column:eligibility_expr;type:text"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (BonusTier) TableName() string { return "bonus_tiers" }

type TierParams struct {
	ID              string
	CampaignID      string
	Kind            string
	ViewThreshold   int64
	MinViews        int64
	Rate            decimal.Decimal
	BonusAmount     decimal.Decimal
	Position        int
	EligibilityExpr string
}

// ParseTierKind accepts the stored names plus the "cpm" alias.
func ParseTierKind(s string) (TierKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(TierKindMilestone):
		return TierKindMilestone, nil
	case string(TierKindMetered), "cpm":
		return TierKindMetered, nil
	default:
		return "", fmt.Errorf("unknown tier kind %q", s)
	}
}

// NewBonusTier validates tier terms once, at the boundary.
func NewBonusTier(p TierParams) (*BonusTier, error) {
	kind, err := ParseTierKind(p.Kind)
	if err != nil {
		return nil, errutil.ValidationFailed(err.Error(), err)
	}

	var details []errutil.Detail
	if p.ID == "" {
		details = append(details, errutil.Detail{Field: "id", Message: "required"})
	}
	if p.CampaignID == "" {
		details = append(details, errutil.Detail{Field: "campaign_id", Message: "required"})
	}

	switch kind {
	case TierKindMilestone:
		if p.ViewThreshold <= 0 {
			details = append(details, errutil.Detail{Field: "view_threshold", Message: "must be > 0"})
		}
		if !p.BonusAmount.IsPositive() {
			details = append(details, errutil.Detail{Field: "bonus_amount", Message: "must be > 0"})
		}
	case TierKindMetered:
		if !p.Rate.IsPositive() {
			details = append(details, errutil.Detail{Field: "rate", Message: "must be > 0"})
		}
		if p.MinViews < 0 {
			details = append(details, errutil.Detail{Field: "min_views", Message: "must be >= 0"})
		}
		if p.ViewThreshold <= p.MinViews {
			details = append(details, errutil.Detail{Field: "view_threshold", Message: "must be > min_views"})
		}
	}

	if p.EligibilityExpr != "" {
		if err := celengine.ValidateExpression(celengine.ItemAttributes(), p.EligibilityExpr); err != nil {
			details = append(details, errutil.Detail{Field: "eligibility_expr", Message: err.Error()})
		}
	}

	if len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid bonus tier", nil, errutil.WithDetails(details...))
	}

	return &BonusTier{
		ID:              p.ID,
		CampaignID:      p.CampaignID,
		Kind:            kind,
		ViewThreshold:   p.ViewThreshold,
		MinViews:        p.MinViews,
		Rate:            p.Rate,
		BonusAmount:     p.BonusAmount,
		Active:          true,
		Position:        p.Position,
		EligibilityExpr: p.EligibilityExpr,
	}, nil
}

func (t *BonusTier) BonusCents() (int64, error) {
	return money.ToCents(t.BonusAmount)
}

// EligibleViews is clamp(views, MinViews, ViewThreshold) - MinViews.
func (t *BonusTier) EligibleViews(views int64) int64 {
	v := min(max(views, t.MinViews), t.ViewThreshold)
	return max(v-t.MinViews, 0)
}

// EntitlementCents is the total a metered tier owes for views, floored to
// the cent so fractions keep accruing until they add up to a whole cent.
func (t *BonusTier) EntitlementCents(views int64) int64 {
	eligible := t.EligibleViews(views)
	if eligible == 0 {
		return 0
	}
	// rate * eligible / 1000 dollars, in cents: rate * eligible / 10
	return t.Rate.Mul(decimal.NewFromInt(eligible)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(viewsPerRateUnit)).
		Floor().IntPart()
}

// Applies evaluates the optional eligibility expression against item.
func (t *BonusTier) Applies(item *ContentItem) (bool, error) {
	if strings.TrimSpace(t.EligibilityExpr) == "" {
		return true, nil
	}
	return celengine.Evaluate(celengine.ItemAttributes(), t.EligibilityExpr, item.Attributes())
}

// ContentItem is a tracked video. Views come from the external metric
// source and are expected to be non-decreasing.
type ContentItem struct {
	ID         string     `gorm:"column:id;primaryKey;size:64"`
	CreatorID  string     `gorm:"column:creator_id;index;size:64;not null"`
	CampaignID string     `gorm:"column:campaign_id;index;size:64;not null"`
	Platform   string     `gorm:"column:platform;size:32"`
	URL        string     `gorm:"column:url;type:text"`
	Views      int64      `gorm:"column:views;not null;default:0"`
	Status     ItemStatus `gorm:"column:status;size:32;not null;default:'pending'"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (ContentItem) TableName() string { return "content_items" }

func (i *ContentItem) Attributes() map[string]any {
	return map[string]any{
		"platform":    i.Platform,
		"views":       i.Views,
		"creator_id":  i.CreatorID,
		"campaign_id": i.CampaignID,
	}
}
