// Package reports is the read-only query facade over the payment ledger:
// transaction listings, aggregate totals, and per-user balance lookups.
// Nothing in here mutates state.
package reports

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unexplainedarchive/paycore/internal/ledger"
	"github.com/unexplainedarchive/paycore/internal/notify"
	"github.com/unexplainedarchive/paycore/internal/subscription"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler provides the reporting endpoints.
type Handler struct {
	store         ledger.Store
	notifications *notify.Service
	subscriptions *subscription.Service
}

func NewHandler(store ledger.Store, notifications *notify.Service, subscriptions *subscription.Service) *Handler {
	return &Handler{
		store:         store,
		notifications: notifications,
		subscriptions: subscriptions,
	}
}

// RegisterRoutes sets up the reporting routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reports/transactions", h.ListTransactions)
	r.GET("/reports/summary", h.GetSummary)
	r.GET("/wallets/:userId", h.GetWallet)
	r.GET("/cases/:caseId/escrow", h.GetEscrow)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
	r.GET("/users/:userId/notifications", h.ListNotifications)
	r.GET("/users/:userId/subscription", h.GetSubscription)
}

// ListTransactions handles GET /reports/transactions?from=&to=&limit=
// Date bounds are RFC 3339; either side may be omitted.
func (h *Handler) ListTransactions(c *gin.Context) {
	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "from must be an RFC 3339 timestamp",
			})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "to must be an RFC 3339 timestamp",
			})
			return
		}
		to = parsed
	}

	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= maxLimit {
			limit = parsed
		}
	}

	txns, err := h.store.ListTransactions(c.Request.Context(), from, to, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// GetSummary handles GET /reports/summary.
func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.store.SummaryStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "summary_failed",
			"message": "Failed to compute ledger summary",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetWallet handles GET /wallets/:userId.
func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.store.GetWallet(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// GetEscrow handles GET /cases/:caseId/escrow. Unknown cases report a zero
// balance rather than 404: a case with no donations simply has no funds.
func (h *Handler) GetEscrow(c *gin.Context) {
	caseID := c.Param("caseId")
	balance, err := h.store.EscrowBalance(c.Request.Context(), caseID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load escrow balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"caseId":  caseID,
		"balance": balance,
	})
}

// GetWithdrawal handles GET /withdrawals/:id.
func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.store.GetWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrWithdrawalNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Withdrawal request not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load withdrawal request",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListNotifications handles GET /users/:userId/notifications.
func (h *Handler) ListNotifications(c *gin.Context) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= maxLimit {
			limit = parsed
		}
	}

	notifications, err := h.notifications.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list notifications",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// GetSubscription handles GET /users/:userId/subscription.
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.subscriptions.GetByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No subscription for user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}
