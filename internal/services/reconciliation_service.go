package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/smarttransit/seat-booking-backend/pkg/retry"
)

var (
	successStatuses = []string{"paid", "succeeded", "successful", "completed", "complete"}
	failureStatuses = []string{"failed", "cancelled", "canceled", "declined", "expired", "error"}
	pendingStatuses = []string{"pending", "processing", "open", "unpaid", "initiated"}
)

// MapProviderStatus normalises a raw provider status. known is false for statuses
// outside the three lists; those are treated as pending.
func MapProviderStatus(status string) (signal models.SignalStatus, known bool) {
	s := strings.ToLower(strings.TrimSpace(status))
	for _, v := range successStatuses {
		if s == v {
			return models.SignalSuccess, true
		}
	}
	for _, v := range failureStatuses {
		if s == v {
			return models.SignalFailure, true
		}
	}
	for _, v := range pendingStatuses {
		if s == v {
			return models.SignalPending, true
		}
	}
	return models.SignalPending, false
}

// ReconcileOutcome is what Reconcile did with an event
type ReconcileOutcome struct {
	Result  models.ReconcileResult
	Signal  models.SignalStatus
	Booking *models.Booking // state after the call; nil when NotFound
}

// ReconciliationService applies provider payment signals to bookings exactly once.
// Every write is a transactional read-then-write; a terminal payment status is never left.
type ReconciliationService struct {
	store    database.Store
	resolver *ReferenceResolver
	audit    database.PaymentAuditLog
	notifier Notifier
	retrier  *retry.Retrier
	logger   *logrus.Logger
	now      func() time.Time
}

// NewReconciliationService creates a new reconciliation service. notifier may be nil.
func NewReconciliationService(
	store database.Store,
	resolver *ReferenceResolver,
	audit database.PaymentAuditLog,
	notifier Notifier,
	retryConfig RetryConfig,
	logger *logrus.Logger,
) *ReconciliationService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &ReconciliationService{
		store:    store,
		resolver: resolver,
		audit:    audit,
		notifier: notifier,
		retrier:  newStorageRetrier(retryConfig),
		logger:   logger,
		now:      time.Now,
	}
}

// txResult carries what happened inside the transaction out to the post-commit steps
type txResult struct {
	booking        *models.Booking
	previous       models.PaymentStatus
	ignored        bool
	detailInserted bool
	amountsMatch   bool
}

// Reconcile applies event to its booking. NotFound and Ignored are outcomes, not errors.
func (s *ReconciliationService) Reconcile(ctx context.Context, event *models.PaymentEvent) (*ReconcileOutcome, error) {
	if event == nil {
		return nil, &models.ValidationError{Message: "payment event is required"}
	}
	if !event.Provider.IsValid() {
		return nil, &models.ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", event.Provider)}
	}

	log := s.logger.WithFields(logrus.Fields{
		"provider":        event.Provider,
		"correlation_id":  event.CorrelationID,
		"provider_status": event.Status,
		"source":          event.Source,
	})

	signal, known := MapProviderStatus(event.Status)
	if !known {
		log.Warn("Unknown provider status, treating as pending")
	}

	// 1. Resolve the booking outside the transaction
	bookingID, err := s.resolve(ctx, event)
	if err != nil {
		if models.IsNotFound(err) {
			s.writeAudit(ctx, s.auditFor(models.PaymentEventUnresolved, event).SetError(err.Error()))
			return &ReconcileOutcome{Result: models.ReconcileNotFound, Signal: signal}, nil
		}
		return nil, err
	}
	log = log.WithField("booking_id", bookingID)

	// 2. Guarded transition
	var res txResult
	err = runWithRetry(ctx, s.retrier, s.logger, "reconcile", func(ctx context.Context) error {
		res = txResult{}
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			return s.applyTx(ctx, tx, bookingID, event, signal, &res)
		})
	})
	if err != nil {
		if models.IsNotFound(err) {
			return &ReconcileOutcome{Result: models.ReconcileNotFound, Signal: signal}, nil
		}
		log.WithError(err).Error("Failed to reconcile payment signal")
		return nil, err
	}

	// 3. Post-commit: audit trail and notifications
	outcome := &ReconcileOutcome{Result: models.ReconcileApplied, Signal: signal, Booking: res.booking}
	if res.ignored {
		outcome.Result = models.ReconcileIgnored
		s.recordIgnored(ctx, log, event, signal, &res)
		return outcome, nil
	}

	switch signal {
	case models.SignalSuccess:
		entry := s.auditFor(models.PaymentEventSuccess, event).SetBooking(bookingID)
		s.setAuditAmounts(entry, res.booking, event)
		s.writeAudit(ctx, entry)
		if !res.amountsMatch {
			log.WithFields(logrus.Fields{
				"expected_amount":   res.booking.TotalAmount,
				"expected_currency": res.booking.Currency,
				"received_currency": event.Currency,
			}).Warn("Paid amount does not match booking total, flagged for review")
			mismatch := s.auditFor(models.PaymentEventReconciliationMismatch, event).SetBooking(bookingID)
			s.setAuditAmounts(mismatch, res.booking, event)
			mismatch.SetError("paid amount or currency differs from booking total")
			s.writeAudit(ctx, mismatch)
		}
		if !res.detailInserted {
			log.Warn("Payment detail already recorded for booking, kept the original")
		}
		log.Info("Payment confirmed")
		s.notifier.Notify(bookingEvent(notify.EventBookingConfirmed, res.booking, ""))

	case models.SignalFailure:
		reason := failureReason(event)
		s.writeAudit(ctx, s.auditFor(models.PaymentEventFailed, event).SetBooking(bookingID).SetError(reason))
		log.WithField("reason", reason).Info("Payment failed, seats released")
		s.notifier.Notify(bookingEvent(notify.EventBookingPaymentFailed, res.booking, reason))

	default:
		s.writeAudit(ctx, s.auditFor(models.PaymentEventPendingRefresh, event).SetBooking(bookingID))
		log.Debug("Payment still pending, refreshed last signal time")
	}

	return outcome, nil
}

// resolve prefers the booking id echoed back by the provider, cross-checked against the stored correlation
func (s *ReconciliationService) resolve(ctx context.Context, event *models.PaymentEvent) (uuid.UUID, error) {
	if event.BookingID != nil {
		booking, err := s.store.GetBooking(ctx, *event.BookingID)
		switch {
		case err == nil:
			stored := booking.CorrelationFor(event.Provider)
			otherProvider := booking.Provider != nil && *booking.Provider != event.Provider
			if otherProvider || (event.CorrelationID != "" && stored != "" && stored != event.CorrelationID) {
				s.logger.WithFields(logrus.Fields{
					"booking_id":     booking.ID,
					"correlation_id": event.CorrelationID,
					"stored":         stored,
				}).Warn("Echoed booking id carries a different correlation id, refusing")
				return uuid.Nil, models.NewNotFound("correlation id", event.CorrelationID)
			}
			return booking.ID, nil
		case !models.IsNotFound(err):
			return uuid.Nil, err
		}
	}

	booking, err := s.resolver.ResolveBooking(ctx, event.Provider, event.CorrelationID)
	if err != nil {
		return uuid.Nil, err
	}
	return booking.ID, nil
}

func (s *ReconciliationService) applyTx(
	ctx context.Context,
	tx database.Tx,
	bookingID uuid.UUID,
	event *models.PaymentEvent,
	signal models.SignalStatus,
	res *txResult,
) error {
	booking, err := tx.GetBookingForUpdate(ctx, bookingID)
	if err != nil {
		return err
	}
	res.previous = booking.PaymentStatus
	res.booking = booking

	// Idempotency guard
	if booking.PaymentStatus.IsTerminal() {
		res.ignored = true
		return nil
	}

	now := s.now()
	booking.LastSignalAt = &now

	switch signal {
	case models.SignalSuccess:
		received, currency := booking.TotalAmount, booking.Currency
		if event.Amount != nil {
			received = *event.Amount
		}
		if event.Currency != "" {
			currency = strings.ToUpper(event.Currency)
		}
		res.amountsMatch = models.AmountsMatch(booking.TotalAmount, received) &&
			models.CurrenciesMatch(booking.Currency, currency)

		booking.MarkPaid(now)
		booking.AmountMismatch = !res.amountsMatch

		detail := &models.PaymentDetail{
			ID:             uuid.New(),
			BookingID:      booking.ID,
			Provider:       event.Provider,
			Amount:         received,
			Currency:       currency,
			MethodClass:    payment.ClassifyMethod(event.Provider, event.MethodRaw),
			AmountMismatch: !res.amountsMatch,
			CapturedAt:     now,
		}
		if event.ProviderTransactionID != "" {
			id := event.ProviderTransactionID
			detail.ProviderTransactionID = &id
		}
		if event.MethodRaw != "" {
			raw := event.MethodRaw
			detail.MethodRaw = &raw
		}
		inserted, err := tx.InsertPaymentDetail(ctx, detail)
		if err != nil {
			return err
		}
		res.detailInserted = inserted

	case models.SignalFailure:
		booking.MarkFailed(failureReason(event), now)
		if err := releaseSeatsTx(ctx, tx, booking, now); err != nil {
			return err
		}

	default:
		booking.UpdatedAt = now
	}

	return tx.UpdateBooking(ctx, booking)
}

func (s *ReconciliationService) recordIgnored(ctx context.Context, log *logrus.Entry, event *models.PaymentEvent, signal models.SignalStatus, res *txResult) {
	log.WithField("payment_status", res.previous).Info("Booking already terminal, signal ignored")

	entry := s.auditFor(models.PaymentEventDuplicate, event).SetBooking(res.booking.ID).MarkAsDuplicate()
	s.writeAudit(ctx, entry)

	// money arrived for a booking we already gave up on
	if signal == models.SignalSuccess && res.previous != models.PaymentStatusPaid {
		log.WithField("payment_status", res.previous).Error("Payment succeeded after booking reached a terminal unpaid state, manual review required")
		mismatch := s.auditFor(models.PaymentEventReconciliationMismatch, event).SetBooking(res.booking.ID)
		s.setAuditAmounts(mismatch, res.booking, event)
		mismatch.SetError(fmt.Sprintf("provider reported success but booking payment status is %s", res.previous))
		s.writeAudit(ctx, mismatch)
	}
}

func (s *ReconciliationService) auditFor(eventType models.PaymentEventType, event *models.PaymentEvent) *models.PaymentAudit {
	entry := models.NewPaymentAudit(eventType, models.SourceFor(event.Source)).
		SetCorrelation(event.Provider, event.CorrelationID).
		SetProviderStatus(event.Status).
		SetProviderTransaction(event.ProviderTransactionID)
	if event.Source == models.EventSourceWebhook {
		entry.SetRawBody(event.Raw)
	}
	return entry
}

func (s *ReconciliationService) setAuditAmounts(entry *models.PaymentAudit, booking *models.Booking, event *models.PaymentEvent) {
	if event.Amount == nil {
		return
	}
	entry.SetAmounts(booking.TotalAmount, *event.Amount, booking.Currency, event.Currency)
}

func (s *ReconciliationService) writeAudit(ctx context.Context, entry *models.PaymentAudit) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("event_type", entry.EventType).Error("Failed to write payment audit entry")
	}
}

func failureReason(event *models.PaymentEvent) string {
	if event.FailureReason != "" {
		return event.FailureReason
	}
	return fmt.Sprintf("%s reported payment status %q", event.Provider, event.Status)
}
