package payout

import (
	"time"

	"creator-payouts/pkg/money"
	"creator-payouts/services/campaign"

	"github.com/shopspring/decimal"
)

// PayoutRecord is the idempotency anchor for one (tier, item) pair. For a
// milestone tier its existence means paid. For a metered tier it holds the
// entitlement already paid out. Version guards every update.
type PayoutRecord struct {
	TierID              string    `gorm:"column:tier_id;primaryKey;size:64"`
	ItemID              string    `gorm:"column:item_id;primaryKey;size:64"`
	CampaignID          string    `gorm:"column:campaign_id;index;size:64"`
	CreatorID           string    `gorm:"column:creator_id;size:64"`
	ViewsAtLastPayout   int64     `gorm:"column:views_at_last_payout;not null;default:0"`
	CumulativePaidCents int64     `gorm:"column:cumulative_amount_paid_cents;not null;default:0"`
	Version             int64     `gorm:"column:version;not null;default:1"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (PayoutRecord) TableName() string { return "payout_records" }

const (
	SkipAlreadyPaid      = "already_paid"
	SkipBelowThreshold   = "below_threshold"
	SkipNothingOwed      = "nothing_owed"
	SkipBelowMinimum     = "below_minimum"
	SkipViewsRegressed   = "views_regressed"
	SkipNotEligible      = "not_eligible"
	SkipConcurrentUpdate = "concurrent_update"
)

const (
	StageEligibility = "eligibility"
	StageLoadRecord  = "load_record"
	StagePlan        = "plan"
	StageApply       = "apply"
	StageListItems   = "list_items"
	StageLoadTiers   = "load_tiers"
)

// Detail describes one payout made by a sweep.
type Detail struct {
	CampaignID          string            `json:"campaign_id"`
	TierID              string            `json:"tier_id"`
	ItemID              string            `json:"item_id"`
	CreatorID           string            `json:"creator_id"`
	Kind                campaign.TierKind `json:"kind"`
	Views               int64             `json:"views"`
	AmountCents         int64             `json:"amount_cents"`
	Amount              string            `json:"amount"`
	CumulativePaidCents int64             `json:"cumulative_paid_cents"`
	LedgerEntryID       string            `json:"ledger_entry_id"`
	OverBudget          bool              `json:"over_budget,omitempty"`
	EventQueued         bool              `json:"event_queued"`
}

// ItemError is a contained failure: the pair was not paid this sweep and
// will be retried by the next one.
type ItemError struct {
	CampaignID string `json:"campaign_id"`
	TierID     string `json:"tier_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
}

type Result struct {
	CampaignsEvaluated   int            `json:"campaigns_evaluated"`
	ItemsEvaluated       int            `json:"items_evaluated"`
	BonusesPaid          int            `json:"bonuses_paid"`
	TotalAmountPaidCents int64          `json:"total_amount_paid_cents"`
	TotalAmountPaid      string         `json:"total_amount_paid"`
	Details              []Detail       `json:"details"`
	Skipped              map[string]int `json:"skipped"`
	Errors               []ItemError    `json:"errors"`
}

func newResult() *Result {
	return &Result{
		TotalAmountPaid: money.Format(0),
		Details:         []Detail{},
		Skipped:         map[string]int{},
		Errors:          []ItemError{},
	}
}

func (r *Result) Total() decimal.Decimal {
	return money.FromCents(r.TotalAmountPaidCents)
}

func (r *Result) merge(o *itemOutcome) {
	for _, d := range o.details {
		r.Details = append(r.Details, d)
		r.BonusesPaid++
		r.TotalAmountPaidCents += d.AmountCents
	}
	for reason, n := range o.skipped {
		r.Skipped[reason] += n
	}
	r.Errors = append(r.Errors, o.errors...)
	r.TotalAmountPaid = money.Format(r.TotalAmountPaidCents)
}

type itemOutcome struct {
	details []Detail
	skipped map[string]int
	errors  []ItemError
}

func (o *itemOutcome) skip(reason string) {
	if o.skipped == nil {
		o.skipped = map[string]int{}
	}
	o.skipped[reason]++
}
