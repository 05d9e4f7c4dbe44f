package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/services"
)

// BookingHandler handles passenger seat bookings
type BookingHandler struct {
	allocator *services.SeatAllocationService
	store     database.Store
	logger    *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(allocator *services.SeatAllocationService, store database.Store, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		allocator: allocator,
		store:     store,
		logger:    logger,
	}
}

// CreateBookingRequest is the body of POST /bookings
type CreateBookingRequest struct {
	ScheduleID uuid.UUID          `json:"schedule_id" binding:"required"`
	Seats      []string           `json:"seats" binding:"required,min=1"`
	Passengers []models.Passenger `json:"passengers" binding:"required,min=1"`
}

// CancelBookingRequest is the optional body of POST /bookings/:id/cancel
type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

// CreateBooking books seats on a schedule
// @Summary Create a seat booking
// @Description Atomically books the requested seats and creates a pending booking awaiting payment
// @Tags Bookings
// @Accept json
// @Produce json
// @Param request body CreateBookingRequest true "Booking request"
// @Success 201 {object} models.BookingSummary "Booking created"
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 404 {object} map[string]interface{} "Schedule not found"
// @Failure 409 {object} map[string]interface{} "Seats not available"
// @Security BearerAuth
// @Router /api/v1/bookings [post]
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid request body", "code": "VALIDATION_FAILED", "details": err.Error()})
		return
	}

	booking, err := h.allocator.AllocateSeats(c.Request.Context(), &services.AllocateSeatsRequest{
		ScheduleID: req.ScheduleID,
		UserID:     userID,
		Seats:      req.Seats,
		Passengers: req.Passengers,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, booking.Summary())
}

// GetBooking returns one of the caller's bookings
// @Summary Get booking
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} models.Booking
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Security BearerAuth
// @Router /api/v1/bookings/{id} [get]
func (h *BookingHandler) GetBooking(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.store.GetBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	// Other users' bookings look the same as missing ones
	if booking.UserID != userID {
		respondError(c, h.logger, models.NewNotFound("booking", bookingID.String()))
		return
	}

	c.JSON(http.StatusOK, booking)
}

// CancelBooking cancels an unpaid booking and returns its seats
// @Summary Cancel booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body CancelBookingRequest false "Cancellation reason"
// @Success 200 {object} models.Booking
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Failure 409 {object} map[string]interface{} "Booking cannot be cancelled"
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/cancel [post]
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req CancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid request body", "code": "VALIDATION_FAILED", "details": err.Error()})
			return
		}
	}

	booking, err := h.allocator.CancelBooking(c.Request.Context(), bookingID, userID, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}
