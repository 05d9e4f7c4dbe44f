package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

// AdminHandler handles operator endpoints: manual jobs and reconciliation review
type AdminHandler struct {
	cron     *services.CronService
	store    database.Store
	payments database.PaymentAuditLog
	security *services.AuditService
	audit    auditWriter
	logger   *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	cron *services.CronService,
	store database.Store,
	payments database.PaymentAuditLog,
	security *services.AuditService,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		cron:     cron,
		store:    store,
		payments: payments,
		security: security,
		audit:    auditWriter{security: security, payments: payments, logger: logger},
		logger:   logger,
	}
}

// ===================================================================
// JOBS
// ===================================================================

// RunSweep handles POST /api/v1/admin/sweep/run
func (h *AdminHandler) RunSweep(c *gin.Context) {
	stats := h.cron.RunSweepNow(c.Request.Context())
	h.logAction(c, "run_sweep", map[string]interface{}{
		"pending_expired":    stats.PendingExpired,
		"processing_expired": stats.ProcessingExpired,
		"reconciled":         stats.Reconciled,
		"skipped":            stats.Skipped,
	})
	c.JSON(http.StatusOK, stats)
}

// PruneHolds handles POST /api/v1/admin/holds/prune
func (h *AdminHandler) PruneHolds(c *gin.Context) {
	removed, err := h.cron.RunPruneHoldsNow(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logAction(c, "prune_holds", map[string]interface{}{"removed": removed})
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// GetCronStatus handles GET /api/v1/admin/cron/status
func (h *AdminHandler) GetCronStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.cron.GetJobStatus())
}

// ===================================================================
// REVIEW
// ===================================================================

// GetAmountMismatches handles GET /api/v1/admin/payments/mismatches
// Lists paid bookings whose received amount or currency differed from the booking total.
func (h *AdminHandler) GetAmountMismatches(c *gin.Context) {
	limit := queryLimit(c, 50)
	entries, err := h.payments.GetAmountMismatches(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mismatches": entries, "count": len(entries)})
}

// GetBookingAuditTrail handles GET /api/v1/admin/bookings/:id/audit
func (h *AdminHandler) GetBookingAuditTrail(c *gin.Context) {
	bookingID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.store.GetBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	entries, err := h.payments.GetByBookingID(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking, "audit": entries})
}

// GetInconsistentSchedules handles GET /api/v1/admin/schedules/inconsistent
// Should always be empty; anything listed here needs manual repair.
func (h *AdminHandler) GetInconsistentSchedules(c *gin.Context) {
	schedules, err := h.store.ListInconsistentSchedules(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "count": len(schedules)})
}

// GetUserAuditEvents handles GET /api/v1/admin/users/:id/audit
func (h *AdminHandler) GetUserAuditEvents(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	events, err := h.security.GetRecentEvents(userID, queryLimit(c, 50))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *AdminHandler) logAction(c *gin.Context, operation string, details map[string]interface{}) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		return
	}
	h.audit.safeLogAdminAction(userCtx.UserID, operation, utils.GetRealIP(c), utils.GetUserAgent(c), details)
}

func queryLimit(c *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}
