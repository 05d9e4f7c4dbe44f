package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
)

var errGatewayDisabled = errors.New("payment provider is not enabled")

// PaymentVerificationService answers client verify polls by asking the provider directly
type PaymentVerificationService struct {
	store      database.Store
	gateways   payment.Registry
	reconciler *ReconciliationService
	audit      database.PaymentAuditLog
	timeout    time.Duration
	logger     *logrus.Logger
}

// NewPaymentVerificationService creates a new verification service
func NewPaymentVerificationService(
	store database.Store,
	gateways payment.Registry,
	reconciler *ReconciliationService,
	audit database.PaymentAuditLog,
	timeout time.Duration,
	logger *logrus.Logger,
) *PaymentVerificationService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PaymentVerificationService{
		store:      store,
		gateways:   gateways,
		reconciler: reconciler,
		audit:      audit,
		timeout:    timeout,
		logger:     logger,
	}
}

// Verify queries the provider for the booking's session and reconciles the answer.
// Terminal bookings and bookings without a session are returned as Ignored without a provider call.
func (s *PaymentVerificationService) Verify(ctx context.Context, bookingID, userID uuid.UUID) (*ReconcileOutcome, error) {
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != userID {
		return nil, models.NewNotFound("booking", bookingID.String())
	}

	correlationID := booking.CorrelationID()
	if booking.PaymentStatus.IsTerminal() || booking.Provider == nil || correlationID == "" {
		return &ReconcileOutcome{Result: models.ReconcileIgnored, Booking: booking}, nil
	}

	event, err := QueryProvider(ctx, s.gateways, booking, s.timeout)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id":     bookingID,
			"correlation_id": correlationID,
		}).Warn("Payment status query failed")
		return nil, err
	}

	if s.audit != nil {
		entry := models.NewPaymentAudit(models.PaymentEventStatusCheck, models.PaymentSourceProviderAPI).
			SetBooking(bookingID).
			SetCorrelation(*booking.Provider, correlationID).
			SetProviderStatus(event.Status)
		if err := s.audit.Log(ctx, entry); err != nil {
			s.logger.WithError(err).Error("Failed to write payment audit entry")
		}
	}

	return s.reconciler.Reconcile(ctx, event)
}

// QueryProvider asks the booking's provider for the session state, bounded by timeout.
// The returned event always carries the booking id.
func QueryProvider(ctx context.Context, gateways payment.Registry, booking *models.Booking, timeout time.Duration) (*models.PaymentEvent, error) {
	if booking.Provider == nil {
		return nil, &models.StateError{BookingID: booking.ID.String(), Current: string(booking.PaymentStatus), Operation: "query payment for"}
	}
	gateway, ok := gateways.Get(*booking.Provider)
	if !ok {
		return nil, &models.ExternalProviderError{Provider: *booking.Provider, Err: errGatewayDisabled}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	event, err := gateway.QueryStatus(callCtx, booking.CorrelationID())
	if err != nil {
		return nil, err
	}
	if event.BookingID == nil {
		id := booking.ID
		event.BookingID = &id
	}
	if event.CorrelationID == "" {
		event.CorrelationID = booking.CorrelationID()
	}
	return event, nil
}
