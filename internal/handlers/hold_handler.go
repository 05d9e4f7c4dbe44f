package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/services"
)

// HoldHandler handles advisory seat holds and the availability view
type HoldHandler struct {
	holds  *services.SeatHoldService
	logger *logrus.Logger
}

// NewHoldHandler creates a new HoldHandler
func NewHoldHandler(holds *services.SeatHoldService, logger *logrus.Logger) *HoldHandler {
	return &HoldHandler{holds: holds, logger: logger}
}

// SeatsRequest lists seat labels on a schedule
type SeatsRequest struct {
	Seats []string `json:"seats" binding:"required,min=1"`
}

// HoldSeats places a short hold on seats while the passenger fills in details
// @Summary Hold seats
// @Tags Seat Holds
// @Accept json
// @Produce json
// @Param id path string true "Schedule ID"
// @Param request body SeatsRequest true "Seats to hold"
// @Success 201 {object} models.SeatHold
// @Failure 409 {object} map[string]interface{} "Seats booked or held by someone else"
// @Security BearerAuth
// @Router /api/v1/schedules/{id}/holds [post]
func (h *HoldHandler) HoldSeats(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	scheduleID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req SeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid request body", "code": "VALIDATION_FAILED", "details": err.Error()})
		return
	}

	hold, err := h.holds.Hold(c.Request.Context(), scheduleID, userID, req.Seats)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, hold)
}

// ReleaseHold drops the caller's holds on a schedule. An empty body releases all of them.
// @Summary Release held seats
// @Tags Seat Holds
// @Param id path string true "Schedule ID"
// @Success 204
// @Security BearerAuth
// @Router /api/v1/schedules/{id}/holds [delete]
func (h *HoldHandler) ReleaseHold(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	scheduleID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Seats []string `json:"seats"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid request body", "code": "VALIDATION_FAILED", "details": err.Error()})
			return
		}
	}

	if err := h.holds.ReleaseHold(c.Request.Context(), scheduleID, userID, req.Seats); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetAvailability returns the schedule's seat view without seats other users are holding
// @Summary Seat availability
// @Tags Seat Holds
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} models.ScheduleAvailability
// @Failure 404 {object} map[string]interface{} "Schedule not found"
// @Router /api/v1/schedules/{id}/availability [get]
func (h *HoldHandler) GetAvailability(c *gin.Context) {
	scheduleID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	// Anonymous callers see every hold; an authenticated caller's own holds stay available to them
	userCtx, _ := middleware.GetUserContext(c)

	availability, err := h.holds.Availability(c.Request.Context(), scheduleID, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}
