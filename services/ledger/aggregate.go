package ledger

import (
	"encoding/json"
	"fmt"

	"creator-payouts/pkg/money"

	"github.com/shopspring/decimal"
)

const (
	AnomalyInvalidValue  = "invalid_value"
	AnomalyOverpayment   = "overpayment"
	AnomalyUnknownStatus = "unknown_status"
)

type Anomaly struct {
	Type    string `json:"type"`
	EntryID string `json:"entry_id"`
	Detail  string `json:"detail"`
}

// Summary is the status-partitioned view of a user's ledger. Totals are
// kept in cents and only turned into decimals when reported.
type Summary struct {
	TotalAccruedCents int64
	TotalPendingCents int64
	TotalPaidCents    int64
	AccruingCount     int
	ClearingCount     int
	PaidCount         int
	ClawedBackCount   int
	EntryCount        int
	HasAnomalies      bool
	Anomalies         []Anomaly
}

func (s *Summary) TotalAccrued() decimal.Decimal { return money.FromCents(s.TotalAccruedCents) }
func (s *Summary) TotalPending() decimal.Decimal { return money.FromCents(s.TotalPendingCents) }
func (s *Summary) TotalPaid() decimal.Decimal    { return money.FromCents(s.TotalPaidCents) }

func (s Summary) MarshalJSON() ([]byte, error) {
	anomalies := s.Anomalies
	if anomalies == nil {
		anomalies = []Anomaly{}
	}
	return json.Marshal(struct {
		TotalAccrued    string    `json:"total_accrued"`
		TotalPending    string    `json:"total_pending"`
		TotalPaid       string    `json:"total_paid"`
		AccruingCount   int       `json:"accruing_count"`
		ClearingCount   int       `json:"clearing_count"`
		PaidCount       int       `json:"paid_count"`
		ClawedBackCount int       `json:"clawed_back_count"`
		EntryCount      int       `json:"entry_count"`
		HasAnomalies    bool      `json:"has_anomalies"`
		Anomalies       []Anomaly `json:"anomalies"`
	}{
		TotalAccrued:    s.TotalAccrued().StringFixed(2),
		TotalPending:    s.TotalPending().StringFixed(2),
		TotalPaid:       s.TotalPaid().StringFixed(2),
		AccruingCount:   s.AccruingCount,
		ClearingCount:   s.ClearingCount,
		PaidCount:       s.PaidCount,
		ClawedBackCount: s.ClawedBackCount,
		EntryCount:      s.EntryCount,
		HasAnomalies:    s.HasAnomalies,
		Anomalies:       anomalies,
	})
}

func (s *Summary) flag(kind, entryID, detail string) {
	s.HasAnomalies = true
	s.Anomalies = append(s.Anomalies, Anomaly{Type: kind, EntryID: entryID, Detail: detail})
}

// Aggregate folds rows into a Summary. It never fails: malformed amounts
// count as zero, and they and any overpayment are reported as anomalies.
//
// TotalAccrued covers every row. TotalPending and TotalPaid leave out
// clawed back rows since that money is no longer owed or held.
func Aggregate(rows []Row) Summary {
	var s Summary
	s.EntryCount = len(rows)

	for _, row := range rows {
		accrued := amountCents(&s, row.ID, "accrued_amount", row.Accrued)
		paid := amountCents(&s, row.ID, "paid_amount", row.Paid)

		status, ok := ParseStatus(row.Status)
		if !ok {
			s.flag(AnomalyUnknownStatus, row.ID, fmt.Sprintf("status %q", row.Status))
		}

		s.TotalAccruedCents += accrued

		pending := accrued - paid
		if paid > accrued {
			s.flag(AnomalyOverpayment, row.ID,
				fmt.Sprintf("paid %s exceeds accrued %s", money.Format(paid), money.Format(accrued)))
			pending = 0
		}

		switch status {
		case StatusPending:
			s.AccruingCount++
		case StatusClearing:
			s.ClearingCount++
		case StatusPaid:
			s.PaidCount++
		case StatusClawedBack:
			s.ClawedBackCount++
			continue
		}

		s.TotalPendingCents += pending
		s.TotalPaidCents += paid
	}

	return s
}

func amountCents(s *Summary, entryID, field string, a money.Amount) int64 {
	if !a.Valid() {
		s.flag(AnomalyInvalidValue, entryID, fmt.Sprintf("%s: %q", field, a.Raw()))
		return 0
	}
	return a.Cents()
}
