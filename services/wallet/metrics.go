package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	walletDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payouts",
		Subsystem: "wallet",
		Name:      "drift_total",
		Help:      "Wallets whose stored balance disagreed with the ledger.",
	})
	budgetOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payouts",
		Subsystem: "campaign",
		Name:      "budget_overflow_total",
		Help:      "Payouts that pushed a campaign past its budget.",
	}, []string{"campaign_id"})
)
