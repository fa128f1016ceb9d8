package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"creator-payouts/pkg/db/pagination"
	"creator-payouts/pkg/errutil"
	"creator-payouts/services/campaign"
	"creator-payouts/services/ledger"
	"creator-payouts/services/payout"
	"creator-payouts/services/wallet"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Evaluator interface {
	EvaluateBonuses(ctx context.Context, campaignID string) (*payout.Result, error)
	RecordViews(ctx context.Context, itemID string, views int64) (*campaign.ContentItem, bool, error)
}

type LedgerReader interface {
	GetLedgerSummary(ctx context.Context, userID string) (*ledger.Summary, error)
	ListEntriesPage(ctx context.Context, userID string, page pagination.Pagination) ([]*ledger.LedgerEntry, *pagination.PageInfo, error)
	Watch(ctx context.Context, userID string) (*ledger.LiveSummary, error)
	ClawBack(ctx context.Context, entryID, reason string) (*ledger.LedgerEntry, error)
}

type WalletReconciler interface {
	Reconcile(ctx context.Context, userID string, repair bool) (*wallet.Drift, error)
}

type Handler struct {
	evaluator  Evaluator
	ledger     LedgerReader
	reconciler WalletReconciler

	streamInterval time.Duration
}

type HandlerParams struct {
	fx.In
	Evaluator  Evaluator
	Ledger     LedgerReader
	Reconciler WalletReconciler
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		evaluator:      p.Evaluator,
		ledger:         p.Ledger,
		reconciler:     p.Reconciler,
		streamInterval: 500 * time.Millisecond,
	}
}

type evaluateRequest struct {
	CampaignID string `json:"campaign_id"`
}

func (h *Handler) EvaluateBonuses(c *gin.Context) {
	var req evaluateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	res, err := h.evaluator.EvaluateBonuses(c.Request.Context(), req.CampaignID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetLedgerSummary(c *gin.Context) {
	summary, err := h.ledger.GetLedgerSummary(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ListLedgerEntries(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	entries, info, err := h.ledger.ListEntriesPage(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	rows := make([]ledger.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, e.Row())
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "page_info": info})
}

// StreamLedgerSummary pushes the user's summary as server-sent events
// whenever the ledger changes, until the client goes away.
func (h *Handler) StreamLedgerSummary(c *gin.Context) {
	live, err := h.ledger.Watch(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer live.Close()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	var last *ledger.Summary
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
		}

		view := live.Current()
		if view.Err != nil {
			c.SSEvent("error", gin.H{"message": "fetch_failed"})
			return true
		}
		if view.Summary == nil || view.Summary == last {
			return true
		}
		last = view.Summary
		c.SSEvent("summary", view.Summary)
		return true
	})
}

type viewsRequest struct {
	Views *int64 `json:"views" binding:"required"`
}

func (h *Handler) RecordViews(c *gin.Context) {
	var req viewsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("views is required", err))
		return
	}

	item, advanced, err := h.evaluator.RecordViews(c.Request.Context(), c.Param("item_id"), *req.Views)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item_id":  item.ID,
		"views":    item.Views,
		"advanced": advanced,
	})
}

type clawbackRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) ClawBack(c *gin.Context) {
	var req clawbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("reason is required", err))
		return
	}

	entry, err := h.ledger.ClawBack(c.Request.Context(), c.Param("entry_id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry.Row())
}

func (h *Handler) Reconcile(c *gin.Context) {
	repair := c.Query("repair") == "true"
	drift, err := h.reconciler.Reconcile(c.Request.Context(), c.Param("user_id"), repair)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"drift":   drift,
		"in_sync": drift.InSync(),
	})
}
