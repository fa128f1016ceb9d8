package payout

import (
	"fmt"

	"creator-payouts/services/campaign"
)

// Decision is what one (tier, item) pair owes right now.
type Decision struct {
	OwedCents        int64
	EntitlementCents int64
	Skip             string
}

func (d Decision) Pays() bool { return d.Skip == "" && d.OwedCents > 0 }

// Plan decides what to pay for tier and item given the pair's record (nil
// when nothing was paid yet). It has no side effects; applying the
// decision is the caller's job.
//
// A milestone pays its fixed bonus once, the first time views reach the
// threshold. A metered tier pays its full entitlement minus what was
// already paid. Deltas under minPayable are left to accumulate: nothing is
// recorded, so a later sweep collects them.
func Plan(tier *campaign.BonusTier, item *campaign.ContentItem, rec *PayoutRecord, minPayable int64) (Decision, error) {
	switch tier.Kind {
	case campaign.TierKindMilestone:
		if rec != nil {
			return Decision{Skip: SkipAlreadyPaid}, nil
		}
		if item.Views < tier.ViewThreshold {
			return Decision{Skip: SkipBelowThreshold}, nil
		}
		bonus, err := tier.BonusCents()
		if err != nil {
			return Decision{}, err
		}
		if bonus <= 0 {
			return Decision{}, fmt.Errorf("tier %s has non-positive bonus %s", tier.ID, tier.BonusAmount)
		}
		return Decision{OwedCents: bonus, EntitlementCents: bonus}, nil

	case campaign.TierKindMetered:
		var alreadyPaid int64
		if rec != nil {
			if item.Views < rec.ViewsAtLastPayout {
				return Decision{Skip: SkipViewsRegressed}, nil
			}
			alreadyPaid = rec.CumulativePaidCents
		}

		entitlement := tier.EntitlementCents(item.Views)
		delta := entitlement - alreadyPaid
		if delta <= 0 {
			return Decision{EntitlementCents: alreadyPaid, Skip: SkipNothingOwed}, nil
		}
		if delta < minPayable {
			return Decision{EntitlementCents: alreadyPaid, Skip: SkipBelowMinimum}, nil
		}
		return Decision{OwedCents: delta, EntitlementCents: entitlement}, nil

	default:
		return Decision{}, fmt.Errorf("tier %s has unknown kind %q", tier.ID, tier.Kind)
	}
}
