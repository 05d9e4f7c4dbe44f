package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/smarttransit/seat-booking-backend/pkg/retry"
)

// RetryConfig bounds the retries around one storage transaction
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
}

// newStorageRetrier retries only TransientStorageError; logical errors return on the first attempt
func newStorageRetrier(cfg RetryConfig) *retry.Retrier {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.MaxRetries
	if cfg.InitialInterval > 0 {
		rc.InitialInterval = cfg.InitialInterval
	}
	rc.RetryIf = models.IsTransient
	return retry.New(rc)
}

// runWithRetry runs op under r and unwraps the retrier's sentinel errors.
// After exhaustion the caller sees the last TransientStorageError.
func runWithRetry(ctx context.Context, r *retry.Retrier, logger *logrus.Logger, operation string, op retry.Operation) error {
	result := r.DoWithCallback(ctx, op, func(attempt int, err error, next time.Duration) {
		logger.WithFields(logrus.Fields{
			"operation":  operation,
			"attempt":    attempt,
			"backoff_ms": next.Milliseconds(),
		}).WithError(err).Debug("Storage conflict, retrying")
	})

	switch {
	case result.Err == nil:
		return nil
	case errors.Is(result.Err, retry.ErrMaxRetriesExceeded):
		logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempts":  result.Attempts,
		}).WithError(result.LastError).Warn("Storage conflict persisted after retries")
		return result.LastError
	case errors.Is(result.Err, retry.ErrContextCanceled):
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return result.Err
}

// Notifier receives booking events after the transition committed
type Notifier interface {
	Notify(event notify.Event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(notify.Event) {}

func bookingEvent(eventType string, b *models.Booking, reason string) notify.Event {
	event := notify.Event{
		Type:          eventType,
		BookingID:     b.ID.String(),
		Reference:     b.Reference,
		UserID:        b.UserID.String(),
		ScheduleID:    b.ScheduleID.String(),
		Seats:         append([]string{}, b.Seats...),
		BookingStatus: string(b.BookingStatus),
		PaymentStatus: string(b.PaymentStatus),
		Amount:        b.TotalAmount,
		Currency:      b.Currency,
		Reason:        reason,
		OccurredAt:    b.UpdatedAt,
	}
	for _, p := range b.Passengers {
		if p.Phone != nil && *p.Phone != "" {
			event.Phone = *p.Phone
			break
		}
	}
	return event
}
