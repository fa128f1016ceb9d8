package payout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bonusesPaidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payouts",
		Subsystem: "bonus",
		Name:      "paid_total",
		Help:      "Bonus payouts applied, by tier kind.",
	}, []string{"kind"})
	bonusCentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payouts",
		Subsystem: "bonus",
		Name:      "paid_cents_total",
		Help:      "Cents paid out by bonus tiers, by tier kind.",
	}, []string{"kind"})
	bonusSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payouts",
		Subsystem: "bonus",
		Name:      "skipped_total",
		Help:      "Tier/item pairs evaluated without a payout, by reason.",
	}, []string{"reason"})
	bonusErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payouts",
		Subsystem: "bonus",
		Name:      "errors_total",
		Help:      "Contained evaluation failures, by stage.",
	}, []string{"stage"})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payouts",
		Subsystem: "bonus",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of EvaluateBonuses.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
