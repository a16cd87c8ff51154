package reconciliation

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler exposes the manual reconciliation trigger, called by the
// scheduler with a bearer secret.
type Handler struct {
	service    *Service
	cronSecret string
}

func NewHandler(service *Service, cronSecret string) *Handler {
	return &Handler{service: service, cronSecret: cronSecret}
}

// RegisterRoutes sets up the reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.TriggerRun)
	r.GET("/reconcile/latest", h.GetLatest)
}

// TriggerRun handles POST /reconcile.
func (h *Handler) TriggerRun(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Valid cron secret required",
		})
		return
	}

	result, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetLatest handles GET /reconcile/latest.
func (h *Handler) GetLatest(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Valid cron secret required",
		})
		return
	}
	if h.service.snapshots == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Snapshot storage not configured",
		})
		return
	}

	var snapshots []*Snapshot
	for _, account := range []AccountType{AccountOperations, AccountRevenue} {
		snap, err := h.service.snapshots.Latest(c.Request.Context(), account)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	if len(snapshots) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation runs recorded yet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

func (h *Handler) authorized(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || h.cronSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
}
