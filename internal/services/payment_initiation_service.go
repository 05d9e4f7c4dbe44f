package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/smarttransit/seat-booking-backend/pkg/retry"
	"github.com/smarttransit/seat-booking-backend/pkg/validator"
)

// persistTimeout bounds the writes that follow a provider call.
// They run detached from the caller's context.
const persistTimeout = 10 * time.Second

// PaymentInitiationService opens a hosted checkout with exactly one provider per booking.
// The provider call always runs outside any storage transaction.
type PaymentInitiationService struct {
	store           database.Store
	gateways        payment.Registry
	audit           database.PaymentAuditLog
	notifier        Notifier
	contacts        *validator.PhoneValidator
	retrier         *retry.Retrier
	providerTimeout time.Duration
	logger          *logrus.Logger
	now             func() time.Time
}

// NewPaymentInitiationService creates a new payment initiation service
func NewPaymentInitiationService(
	store database.Store,
	gateways payment.Registry,
	audit database.PaymentAuditLog,
	notifier Notifier,
	retryConfig RetryConfig,
	providerTimeout time.Duration,
	logger *logrus.Logger,
) *PaymentInitiationService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if providerTimeout <= 0 {
		providerTimeout = 30 * time.Second
	}
	return &PaymentInitiationService{
		store:           store,
		gateways:        gateways,
		audit:           audit,
		notifier:        notifier,
		contacts:        validator.NewPhoneValidator(),
		retrier:         newStorageRetrier(retryConfig),
		providerTimeout: providerTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// InitiatePayment checks the booking is payable, opens a checkout session and records the correlation id
func (s *PaymentInitiationService) InitiatePayment(
	ctx context.Context,
	bookingID, userID uuid.UUID,
	provider models.PaymentProvider,
	customer models.CustomerContact,
) (*models.CheckoutSession, error) {
	// 1. Provider and contact
	gateway, ok := s.gateways.Get(provider)
	if !ok {
		return nil, &models.ValidationError{Field: "provider", Message: fmt.Sprintf("payment provider %q is not available", provider)}
	}

	contact, err := s.contacts.ValidateContact(customer.Name, customer.Email, customer.Phone)
	if err != nil {
		var fieldErr *validator.FieldError
		if errors.As(err, &fieldErr) {
			return nil, &models.ValidationError{Field: "customer." + fieldErr.Field, Message: fieldErr.Err.Error()}
		}
		return nil, &models.ValidationError{Field: "customer", Message: err.Error()}
	}

	// 2. Transactional precondition check
	var snapshot *models.Booking
	err = runWithRetry(ctx, s.retrier, s.logger, "initiate_payment_check", func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			booking, err := tx.GetBookingForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			if booking.UserID != userID {
				return models.NewNotFound("booking", bookingID.String())
			}
			if err := checkPayable(booking, "initiate payment for"); err != nil {
				return err
			}
			snapshot = booking
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	correlationID, err := utils.GenerateCorrelationID(bookingID)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"booking_id":     bookingID,
		"provider":       provider,
		"correlation_id": correlationID,
	})

	// 3. Provider call, no transaction held
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	checkout, err := gateway.CreateCheckout(callCtx, &payment.CheckoutRequest{
		BookingID:     bookingID,
		Reference:     snapshot.Reference,
		CorrelationID: correlationID,
		Amount:        snapshot.TotalAmount,
		Currency:      snapshot.Currency,
		Description:   fmt.Sprintf("Bus seats %s (%s)", strings.Join(snapshot.Seats, ", "), snapshot.Reference),
		Customer: models.CustomerContact{
			Name:  contact.Name,
			Email: contact.Email,
			Phone: contact.Phone,
		},
	})
	cancel()

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	if err != nil {
		return nil, s.failInitiation(persistCtx, log, bookingID, provider, correlationID, err)
	}

	// 4. Record the correlation id, re-checking nothing moved meanwhile
	var updated *models.Booking
	err = runWithRetry(persistCtx, s.retrier, s.logger, "initiate_payment_record", func(ctx context.Context) error {
		updated = nil
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			booking, err := tx.GetBookingForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			if err := checkPayable(booking, "record payment session for"); err != nil {
				return err
			}

			now := s.now()
			booking.SetCorrelation(provider, checkout.CorrelationID)
			if booking.PaymentReference == nil {
				ref := correlationID
				booking.PaymentReference = &ref
			}
			booking.PaymentStatus = models.PaymentStatusProcessing
			booking.PaymentInitiatedAt = &now
			booking.UpdatedAt = now
			if err := tx.UpdateBooking(ctx, booking); err != nil {
				return err
			}
			updated = booking
			return nil
		})
	})
	if err != nil {
		log.WithError(err).WithField("provider_session", checkout.CorrelationID).Warn("Checkout session opened but could not be recorded on booking")
		s.writeAudit(persistCtx, models.NewPaymentAudit(models.PaymentEventInitiationFailed, models.PaymentSourceBackend).
			SetBooking(bookingID).
			SetCorrelation(provider, checkout.CorrelationID).
			SetError(fmt.Sprintf("orphaned checkout session: %v", err)))
		return nil, err
	}

	entry := models.NewPaymentAudit(models.PaymentEventInitiated, models.PaymentSourceBackend).
		SetBooking(bookingID).
		SetCorrelation(provider, checkout.CorrelationID)
	amount := updated.TotalAmount
	currency := updated.Currency
	entry.ExpectedAmount = &amount
	entry.Currency = &currency
	s.writeAudit(persistCtx, entry)

	log.WithField("provider_session", checkout.CorrelationID).Info("Payment session opened")

	return &models.CheckoutSession{
		BookingID:     bookingID,
		Provider:      provider,
		CorrelationID: checkout.CorrelationID,
		CheckoutURL:   checkout.CheckoutURL,
	}, nil
}

// failInitiation moves a still-pending booking to failed and frees its seats
func (s *PaymentInitiationService) failInitiation(
	ctx context.Context,
	log *logrus.Entry,
	bookingID uuid.UUID,
	provider models.PaymentProvider,
	correlationID string,
	cause error,
) error {
	reason := fmt.Sprintf("payment provider %s error: %v", provider, cause)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		reason = fmt.Sprintf("payment provider %s timed out", provider)
	case errors.Is(cause, context.Canceled):
		reason = fmt.Sprintf("checkout with %s abandoned by client", provider)
	}

	var failed *models.Booking
	err := runWithRetry(ctx, s.retrier, s.logger, "initiate_payment_fail", func(ctx context.Context) error {
		failed = nil
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			booking, err := tx.GetBookingForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			// a concurrent initiation may have succeeded meanwhile
			if booking.PaymentStatus != models.PaymentStatusPending || booking.CorrelationID() != "" {
				return nil
			}
			now := s.now()
			booking.MarkFailed(reason, now)
			if err := releaseSeatsTx(ctx, tx, booking, now); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, booking); err != nil {
				return err
			}
			failed = booking
			return nil
		})
	})
	if err != nil {
		log.WithError(err).Error("Failed to persist payment initiation failure")
	}

	log.WithError(cause).Warn("Payment provider rejected checkout")
	s.writeAudit(ctx, models.NewPaymentAudit(models.PaymentEventInitiationFailed, models.PaymentSourceBackend).
		SetBooking(bookingID).
		SetCorrelation(provider, correlationID).
		SetError(reason))
	if failed != nil {
		s.notifier.Notify(bookingEvent(notify.EventBookingPaymentFailed, failed, reason))
	}

	var providerErr *models.ExternalProviderError
	if errors.As(cause, &providerErr) {
		return providerErr
	}
	return &models.ExternalProviderError{Provider: provider, Err: cause}
}

func (s *PaymentInitiationService) writeAudit(ctx context.Context, entry *models.PaymentAudit) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("event_type", entry.EventType).Error("Failed to write payment audit entry")
	}
}

// checkPayable enforces pending payment, no prior correlation id and a live booking
func checkPayable(booking *models.Booking, operation string) error {
	current := string(booking.PaymentStatus)
	if booking.BookingStatus == models.BookingStatusCancelled {
		current = string(booking.BookingStatus)
	}
	if booking.BookingStatus == models.BookingStatusCancelled ||
		booking.PaymentStatus != models.PaymentStatusPending ||
		booking.CorrelationID() != "" {
		return &models.StateError{
			BookingID: booking.ID.String(),
			Current:   current,
			Operation: operation,
		}
	}
	return nil
}
