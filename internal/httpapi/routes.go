package httpapi

import (
	"creator-payouts/pkg/health"
	"creator-payouts/services/ledger"
	"creator-payouts/services/payout"
	"creator-payouts/services/wallet"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		func(s *payout.Service) Evaluator { return s },
		func(s *ledger.Service) LedgerReader { return s },
		func(r *wallet.Reconciler) WalletReconciler { return r },
	),
	fx.Invoke(RegisterRoutes),
)

func RegisterRoutes(r *gin.Engine, h *Handler, hs health.HealthService) {
	r.GET("/healthz", hs.Liveness)
	r.GET("/readyz", hs.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/bonuses/evaluate", h.EvaluateBonuses)
	v1.GET("/users/:user_id/ledger/summary", h.GetLedgerSummary)
	v1.GET("/users/:user_id/ledger/entries", h.ListLedgerEntries)
	v1.GET("/users/:user_id/ledger/summary/stream", h.StreamLedgerSummary)
	v1.PUT("/content/:item_id/views", h.RecordViews)
	v1.POST("/ledger/entries/:entry_id/clawback", h.ClawBack)
	v1.POST("/wallets/:user_id/reconcile", h.Reconcile)
}
