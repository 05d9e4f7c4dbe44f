package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/services"
)

// PaymentHandler handles checkout initiation and client-side verification polls
type PaymentHandler struct {
	initiator *services.PaymentInitiationService
	verifier  *services.PaymentVerificationService
	logger    *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(
	initiator *services.PaymentInitiationService,
	verifier *services.PaymentVerificationService,
	logger *logrus.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		initiator: initiator,
		verifier:  verifier,
		logger:    logger,
	}
}

// InitiatePaymentRequest is the body of POST /bookings/:id/payment
type InitiatePaymentRequest struct {
	Provider models.PaymentProvider `json:"provider" binding:"required"`
	Customer models.CustomerContact `json:"customer"`
}

// VerifyPaymentResponse is returned by POST /bookings/:id/verify
type VerifyPaymentResponse struct {
	Result  models.ReconcileResult `json:"result"`
	Signal  models.SignalStatus    `json:"signal,omitempty"`
	Booking *models.Booking        `json:"booking"`
}

// InitiatePayment opens a hosted checkout for a pending booking
// @Summary Initiate payment
// @Description Opens a Stripe or Flutterwave hosted checkout. A booking can be initiated once.
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body InitiatePaymentRequest true "Provider and payer"
// @Success 200 {object} models.CheckoutSession
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 409 {object} map[string]interface{} "Booking not payable"
// @Failure 502 {object} map[string]interface{} "Provider unavailable"
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/payment [post]
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid request body", "code": "VALIDATION_FAILED", "details": err.Error()})
		return
	}
	if !req.Provider.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "provider must be stripe or flutterwave", "code": "VALIDATION_FAILED", "field": "provider"})
		return
	}

	session, err := h.initiator.InitiatePayment(c.Request.Context(), bookingID, userID, req.Provider, req.Customer)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// VerifyPayment asks the provider for the booking's payment state and reconciles it
// @Summary Verify payment
// @Description Used by the client after the checkout redirect. Safe to call repeatedly.
// @Tags Payments
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} VerifyPaymentResponse
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Failure 502 {object} map[string]interface{} "Provider unavailable"
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/verify [post]
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	bookingID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	outcome, err := h.verifier.Verify(c.Request.Context(), bookingID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if outcome.Result == models.ReconcileNotFound {
		respondError(c, h.logger, models.NewNotFound("booking", bookingID.String()))
		return
	}

	c.JSON(http.StatusOK, VerifyPaymentResponse{
		Result:  outcome.Result,
		Signal:  outcome.Signal,
		Booking: outcome.Booking,
	})
}
