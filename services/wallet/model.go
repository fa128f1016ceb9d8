package wallet

import "time"

// Wallet is a creator's running balance. Both amounts are projections of
// the ledger and can be rebuilt from it by the Reconciler.
type Wallet struct {
	UserID           string    `gorm:"column:user_id;primaryKey;size:64"`
	BalanceCents     int64     `gorm:"column:balance_cents;not null;default:0"`
	TotalEarnedCents int64     `gorm:"column:total_earned_cents;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallets" }

// Drift compares a stored wallet with what the ledger says it should hold.
type Drift struct {
	UserID               string `json:"user_id"`
	StoredBalanceCents   int64  `json:"stored_balance_cents"`
	ExpectedBalanceCents int64  `json:"expected_balance_cents"`
	StoredEarnedCents    int64  `json:"stored_total_earned_cents"`
	ExpectedEarnedCents  int64  `json:"expected_total_earned_cents"`
	Repaired             bool   `json:"repaired"`
}

func (d *Drift) InSync() bool {
	return d.StoredBalanceCents == d.ExpectedBalanceCents && d.StoredEarnedCents == d.ExpectedEarnedCents
}
