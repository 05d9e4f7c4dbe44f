package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// respondError maps a service error onto its HTTP status and the standard error body.
// Unknown errors are logged and surfaced as a generic 500.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var (
		validationErr *models.ValidationError
		conflictErr   *models.ConflictError
		notFoundErr   *models.NotFoundError
		stateErr      *models.StateError
		providerErr   *models.ExternalProviderError
		signatureErr  *models.SignatureError
	)

	switch {
	case errors.As(err, &validationErr):
		body := gin.H{"error": "validation_error", "message": validationErr.Message, "code": "VALIDATION_FAILED"}
		if validationErr.Field != "" {
			body["field"] = validationErr.Field
		}
		c.JSON(http.StatusBadRequest, body)

	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":             "seats_unavailable",
			"message":           conflictErr.Error(),
			"code":              "SEATS_UNAVAILABLE",
			"conflicting_seats": conflictErr.ConflictingSeats,
			"reason":            conflictErr.Reason,
		})

	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": notFoundErr.Error(), "code": "NOT_FOUND"})

	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":          "invalid_state",
			"message":        stateErr.Error(),
			"code":           "INVALID_STATE",
			"current_status": stateErr.Current,
		})

	case errors.As(err, &signatureErr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed", "code": "INVALID_SIGNATURE"})

	case errors.As(err, &providerErr):
		logger.WithError(err).WithField("provider", providerErr.Provider).Warn("Payment provider call failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "message": "Payment provider is unavailable, please try again", "code": "PROVIDER_ERROR"})

	case models.IsTransient(err):
		logger.WithError(err).Warn("Storage contention exhausted retries")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": "Service is busy, please retry", "code": "STORAGE_BUSY"})

	default:
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Unhandled request error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error", "code": "INTERNAL_ERROR"})
	}
}

// parseUUIDParam reads a path parameter as a UUID, writing a 400 when it is malformed
func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid " + name, "code": "VALIDATION_FAILED", "field": name})
		return uuid.Nil, false
	}
	return id, true
}

// requireUser returns the authenticated caller, writing a 401 when the auth middleware did not run
func requireUser(c *gin.Context) (uuid.UUID, bool) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Unauthorized", "code": "MISSING_USER_CONTEXT"})
		return uuid.Nil, false
	}
	return userCtx.UserID, true
}
