package ledger

import (
	"strings"
	"time"

	"creator-payouts/pkg/money"

	"gorm.io/datatypes"
)

type LedgerStatus string
type EntryKind string

const (
	StatusPending    LedgerStatus = "pending"
	StatusClearing   LedgerStatus = "clearing"
	StatusPaid       LedgerStatus = "paid"
	StatusClawedBack LedgerStatus = "clawed_back"

	KindMilestone EntryKind = "milestone"
	KindMetered   EntryKind = "metered"
)

// ParseStatus accepts the stored spellings plus a few aliases seen in
// imported data ("accruing", "clawedback").
func ParseStatus(s string) (LedgerStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "accruing":
		return StatusPending, true
	case "clearing":
		return StatusClearing, true
	case "paid":
		return StatusPaid, true
	case "clawed_back", "clawedback", "clawback":
		return StatusClawedBack, true
	default:
		return "", false
	}
}

// LedgerEntry is an append-only accrual fact. Amounts are integer cents.
// Entries are never deleted; a clawback is a status transition.
type LedgerEntry struct {
	ID             string         `gorm:"column:id;primaryKey;size:64"`
	UserID         string         `gorm:"column:user_id;index:idx_ledger_user_created,priority:1;size:64;not null"`
	CampaignID     string         `gorm:"column:campaign_id;index;size:64"`
	TierID         string         `gorm:"column:tier_id;size:64"`
	ItemID         string         `gorm:"column:item_id;size:64"`
	Kind           EntryKind      `gorm:"column:kind;size:32"`
	AccruedCents   int64          `gorm:"column:accrued_amount_cents;not null;default:0"`
	PaidCents      int64          `gorm:"column:paid_amount_cents;not null;default:0"`
	Status         LedgerStatus   `gorm:"column:status;size:32;index;not null"`
	ClearingEndsAt *time.Time     `gorm:"column:clearing_ends_at"`
	EventQueuedAt  *time.Time     `gorm:"column:event_queued_at;index"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	CreatedAt      time.Time      `gorm:"column:created_at;index:idx_ledger_user_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Row converts the stored entry into aggregator input.
func (e *LedgerEntry) Row() Row {
	return Row{
		ID:      e.ID,
		Status:  string(e.Status),
		Accrued: money.Cents(e.AccruedCents),
		Paid:    money.Cents(e.PaidCents),
	}
}

// Row is one ledger fact as the aggregator sees it. Amounts may come from
// untrusted JSON and carry their own validity.
type Row struct {
	ID      string       `json:"id"`
	Status  string       `json:"status"`
	Accrued money.Amount `json:"accrued_amount"`
	Paid    money.Amount `json:"paid_amount"`
}

// Event is published whenever one of a user's entries is inserted or updated.
type Event struct {
	UserID  string       `json:"user_id"`
	EntryID string       `json:"entry_id"`
	Status  LedgerStatus `json:"status"`
	Op      string       `json:"op"`
	At      time.Time    `json:"at"`
}

const (
	OpInsert = "insert"
	OpUpdate = "update"
)
