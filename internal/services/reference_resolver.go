package services

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

// ReferenceResolver maps a provider correlation id to a booking.
//
// Lookup order:
// 1. exact match on the provider's correlation column
// 2. the legacy payment_reference column
// 3. the booking id prefix embedded in BK-<8 hex>-... ids, accepted only when exactly one
//    candidate stores the full id for that provider (or as its minted reference)
type ReferenceResolver struct {
	store  database.Store
	logger *logrus.Logger
}

// NewReferenceResolver creates a new resolver
func NewReferenceResolver(store database.Store, logger *logrus.Logger) *ReferenceResolver {
	return &ReferenceResolver{store: store, logger: logger}
}

// ResolveBooking returns the booking the correlation id belongs to, or a NotFoundError
func (r *ReferenceResolver) ResolveBooking(ctx context.Context, provider models.PaymentProvider, correlationID string) (*models.Booking, error) {
	if correlationID == "" {
		return nil, models.NewNotFound("correlation id", "")
	}

	log := r.logger.WithFields(logrus.Fields{
		"provider":       provider,
		"correlation_id": correlationID,
	})

	booking, err := r.store.FindBookingByCorrelation(ctx, provider, correlationID)
	if err == nil {
		return booking, nil
	}
	if !models.IsNotFound(err) {
		return nil, err
	}

	booking, err = r.store.FindBookingByPaymentReference(ctx, correlationID)
	if err == nil {
		log.WithField("booking_id", booking.ID).Debug("Resolved booking via legacy payment reference")
		return booking, nil
	}
	if !models.IsNotFound(err) {
		return nil, err
	}

	if prefix, ok := utils.EmbeddedBookingPrefix(correlationID); ok {
		candidates, err := r.store.FindBookingsByIDPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		var matches []*models.Booking
		for _, candidate := range candidates {
			if storedCorrelationMatches(candidate, provider, correlationID) {
				matches = append(matches, candidate)
			}
		}
		switch {
		case len(matches) == 1:
			log.WithField("booking_id", matches[0].ID).Info("Resolved booking via embedded id prefix")
			return matches[0], nil
		case len(matches) > 1:
			log.WithField("matches", len(matches)).Warn("Embedded id prefix is ambiguous, refusing")
		case len(candidates) > 0:
			log.WithField("candidates", len(candidates)).Warn("Embedded id prefix matched bookings with a different correlation id, refusing")
		}
	}

	log.Warn("Could not resolve booking for payment signal")
	return nil, models.NewNotFound("correlation id", correlationID)
}

// storedCorrelationMatches compares against the event provider's column and the minted reference only
func storedCorrelationMatches(b *models.Booking, provider models.PaymentProvider, correlationID string) bool {
	if stored := b.CorrelationFor(provider); stored != "" && stored == correlationID {
		return true
	}
	return b.PaymentReference != nil && *b.PaymentReference == correlationID
}
