package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"creator-payouts/pkg/errutil"
	"creator-payouts/pkg/money"
	"creator-payouts/pkg/taskname"
	"creator-payouts/services/ledger"

	"github.com/hibiken/asynq"
)

// QueuePayouts is consumed by the payment rail, not by this service.
const QueuePayouts = "payouts"

const (
	requeueBatch = 500
	requeueGrace = time.Minute
)

type EvaluatePayload struct {
	CampaignID string `json:"campaign_id,omitempty"`
}

func NewEvaluateTask(campaignID string) (*asynq.Task, error) {
	payload, err := json.Marshal(EvaluatePayload{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.BonusEvaluate, payload), nil
}

// PayoutRequestedPayload asks the payment rail to move money for one
// ledger entry. LedgerEntryID is the idempotency key.
type PayoutRequestedPayload struct {
	LedgerEntryID    string    `json:"ledger_entry_id"`
	UserID           string    `json:"user_id"`
	CampaignID       string    `json:"campaign_id"`
	TierID           string    `json:"tier_id"`
	ItemID           string    `json:"item_id"`
	AmountCents      int64     `json:"amount_cents"`
	Amount           string    `json:"amount"`
	TreasuryWalletID string    `json:"treasury_wallet_id"`
	ClearingEndsAt   time.Time `json:"clearing_ends_at"`
	CreatedAt        time.Time `json:"created_at"`
}

func NewPayoutRequestedTask(entry *ledger.LedgerEntry, treasuryWalletID string) (*asynq.Task, error) {
	p := PayoutRequestedPayload{
		LedgerEntryID:    entry.ID,
		UserID:           entry.UserID,
		CampaignID:       entry.CampaignID,
		TierID:           entry.TierID,
		ItemID:           entry.ItemID,
		AmountCents:      entry.PaidCents,
		Amount:           money.Format(entry.PaidCents),
		TreasuryWalletID: treasuryWalletID,
		CreatedAt:        entry.CreatedAt,
	}
	if entry.ClearingEndsAt != nil {
		p.ClearingEndsAt = *entry.ClearingEndsAt
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PayoutRequested, payload,
		asynq.Queue(QueuePayouts),
		asynq.TaskID(entry.ID),
		asynq.MaxRetry(25),
	), nil
}

// HandleEvaluateTask runs a sweep. Configuration errors will not fix
// themselves on retry, so they skip retries. Internal failures and an
// unreachable flag service are retried.
func (s *Service) HandleEvaluateTask(ctx context.Context, t *asynq.Task) error {
	var p EvaluatePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}

	_, err := s.EvaluateBonuses(ctx, p.CampaignID)
	if err != nil && !errutil.Is(err, errutil.StatusInternal) && !errutil.Is(err, errutil.StatusServiceUnavailable) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

func (s *Service) HandleRequeueTask(ctx context.Context, t *asynq.Task) error {
	_, err := s.RequeuePayoutRequests(ctx, requeueGrace)
	return err
}
