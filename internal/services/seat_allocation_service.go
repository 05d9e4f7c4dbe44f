package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/smarttransit/seat-booking-backend/pkg/retry"
)

const maxReferenceAttempts = 10

// HoldChecker is the advisory seat-hold view consulted before allocation
type HoldChecker interface {
	// HeldByOthers returns the seats among seats that carry an unexpired hold by another user
	HeldByOthers(ctx context.Context, scheduleID, userID uuid.UUID, seats []string) ([]string, error)
	// ReleaseHold drops userID's holds on the schedule
	ReleaseHold(ctx context.Context, scheduleID, userID uuid.UUID, seats []string) error
}

// AllocateSeatsRequest is the input to AllocateSeats
type AllocateSeatsRequest struct {
	ScheduleID   uuid.UUID
	UserID       uuid.UUID
	Seats        []string
	Passengers   []models.Passenger
	PricePerSeat float64 // zero uses the schedule's price
}

// SeatAllocationService moves seats between free and booked on a schedule.
// It is the only writer of Schedule.BookedSeats.
type SeatAllocationService struct {
	store    database.Store
	holds    HoldChecker
	notifier Notifier
	retrier  *retry.Retrier
	logger   *logrus.Logger
	now      func() time.Time
}

// NewSeatAllocationService creates a new seat allocation service. holds and notifier may be nil.
func NewSeatAllocationService(
	store database.Store,
	holds HoldChecker,
	notifier Notifier,
	retryConfig RetryConfig,
	logger *logrus.Logger,
) *SeatAllocationService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &SeatAllocationService{
		store:    store,
		holds:    holds,
		notifier: notifier,
		retrier:  newStorageRetrier(retryConfig),
		logger:   logger,
		now:      time.Now,
	}
}

// ============================================================================
// ALLOCATE
// ============================================================================

// AllocateSeats books req.Seats on the schedule and creates a pending booking in one commit
func (s *SeatAllocationService) AllocateSeats(ctx context.Context, req *AllocateSeatsRequest) (*models.Booking, error) {
	// 1. Validate request shape
	seats, err := validateAllocation(req)
	if err != nil {
		return nil, err
	}

	// 2. Advisory holds: another user's unexpired hold blocks the seat
	if s.holds != nil {
		held, err := s.holds.HeldByOthers(ctx, req.ScheduleID, req.UserID, seats)
		if err != nil {
			s.logger.WithError(err).WithField("schedule_id", req.ScheduleID).Warn("Seat hold lookup failed, continuing without holds")
		} else if len(held) > 0 {
			return nil, &models.ConflictError{ConflictingSeats: held, Reason: "held"}
		}
	}

	// 3. Atomic check-and-book, retried on write conflicts only
	var booking *models.Booking
	err = runWithRetry(ctx, s.retrier, s.logger, "allocate_seats", func(ctx context.Context) error {
		booking = nil
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			b, err := s.allocateTx(ctx, tx, req, seats)
			if err != nil {
				return err
			}
			booking = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":  booking.ID,
		"reference":   booking.Reference,
		"schedule_id": booking.ScheduleID,
		"seats":       booking.Seats,
	}).Info("Seats allocated")

	// 4. The user's own hold has served its purpose
	if s.holds != nil {
		if err := s.holds.ReleaseHold(ctx, req.ScheduleID, req.UserID, seats); err != nil {
			s.logger.WithError(err).Debug("Failed to release seat hold after allocation")
		}
	}

	return booking, nil
}

func (s *SeatAllocationService) allocateTx(ctx context.Context, tx database.Tx, req *AllocateSeatsRequest, seats []string) (*models.Booking, error) {
	schedule, err := tx.GetScheduleForUpdate(ctx, req.ScheduleID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if schedule.HasDeparted(now) {
		return nil, &models.ValidationError{Field: "schedule_id", Message: "schedule has already departed"}
	}

	var conflicting []string
	for _, seat := range seats {
		if schedule.BookedSeats.Contains(seat) {
			conflicting = append(conflicting, seat)
		}
	}
	if len(conflicting) > 0 {
		return nil, &models.ConflictError{ConflictingSeats: conflicting, Reason: "booked"}
	}
	if schedule.AvailableSeats < len(seats) {
		return nil, &models.ConflictError{ConflictingSeats: seats, Reason: "unavailable"}
	}

	reference, err := uniqueReference(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	price := req.PricePerSeat
	if price <= 0 {
		price = schedule.PricePerSeat
	}

	booking := &models.Booking{
		ID:            uuid.New(),
		Reference:     reference,
		UserID:        req.UserID,
		ScheduleID:    schedule.ID,
		Seats:         models.SeatLabels(seats),
		Passengers:    models.PassengerManifest(req.Passengers),
		TotalAmount:   roundMoney(price * float64(len(seats))),
		Currency:      schedule.Currency,
		BookingStatus: models.BookingStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertBooking(ctx, booking); err != nil {
		return nil, err
	}

	schedule.AddSeats(seats)
	if err := tx.UpdateScheduleInventory(ctx, schedule); err != nil {
		return nil, err
	}
	return booking, nil
}

func uniqueReference(ctx context.Context, tx database.Tx, now time.Time) (string, error) {
	for i := 0; i < maxReferenceAttempts; i++ {
		reference, err := utils.GenerateBookingReference(now)
		if err != nil {
			return "", err
		}
		exists, err := tx.ReferenceExists(ctx, reference)
		if err != nil {
			return "", err
		}
		if !exists {
			return reference, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique booking reference after %d attempts", maxReferenceAttempts)
}

// validateAllocation trims labels and checks the manifest covers exactly the requested seats
func validateAllocation(req *AllocateSeatsRequest) ([]string, error) {
	if req == nil {
		return nil, &models.ValidationError{Message: "request is required"}
	}
	if req.ScheduleID == uuid.Nil {
		return nil, &models.ValidationError{Field: "schedule_id", Message: "schedule id is required"}
	}
	seats, err := normaliseSeatLabels(req.Seats)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(seats))
	for _, seat := range seats {
		seen[seat] = true
	}

	if len(req.Passengers) != len(seats) {
		return nil, &models.ValidationError{
			Field:   "passengers",
			Message: fmt.Sprintf("expected %d passengers, got %d", len(seats), len(req.Passengers)),
		}
	}
	covered := make(map[string]bool, len(seats))
	for i := range req.Passengers {
		p := &req.Passengers[i]
		p.SeatLabel = strings.TrimSpace(p.SeatLabel)
		if strings.TrimSpace(p.Name) == "" {
			return nil, &models.ValidationError{Field: "passengers", Message: "passenger name is required"}
		}
		if !seen[p.SeatLabel] || covered[p.SeatLabel] {
			return nil, &models.ValidationError{
				Field:   "passengers",
				Message: fmt.Sprintf("passenger seat %q does not match a requested seat", p.SeatLabel),
			}
		}
		covered[p.SeatLabel] = true
	}

	return seats, nil
}

func roundMoney(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// ============================================================================
// RELEASE / CANCEL
// ============================================================================

// releaseSeatsTx returns the booking's seats to the schedule inside tx. Idempotent via SeatsReleased.
func releaseSeatsTx(ctx context.Context, tx database.Tx, booking *models.Booking, now time.Time) error {
	if booking.SeatsReleased {
		return nil
	}

	schedule, err := tx.GetScheduleForUpdate(ctx, booking.ScheduleID)
	if err != nil {
		return err
	}
	schedule.RemoveSeats(booking.Seats)
	if err := tx.UpdateScheduleInventory(ctx, schedule); err != nil {
		return err
	}

	booking.SeatsReleased = true
	booking.UpdatedAt = now
	return nil
}

// ReleaseSeats returns a cancelled or failed booking's seats to the pool
func (s *SeatAllocationService) ReleaseSeats(ctx context.Context, bookingID uuid.UUID) error {
	return runWithRetry(ctx, s.retrier, s.logger, "release_seats", func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			booking, err := tx.GetBookingForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			if booking.BookingStatus != models.BookingStatusCancelled && booking.BookingStatus != models.BookingStatusFailed {
				return &models.StateError{
					BookingID: bookingID.String(),
					Current:   string(booking.BookingStatus),
					Operation: "release seats of",
				}
			}
			if booking.SeatsReleased {
				return nil
			}
			if err := releaseSeatsTx(ctx, tx, booking, s.now()); err != nil {
				return err
			}
			return tx.UpdateBooking(ctx, booking)
		})
	})
}

// CancelBooking cancels an unpaid booking owned by userID and frees its seats.
// Cancelling an already cancelled booking returns it unchanged.
func (s *SeatAllocationService) CancelBooking(ctx context.Context, bookingID, userID uuid.UUID, reason string) (*models.Booking, error) {
	var (
		cancelled *models.Booking
		changed   bool
	)

	err := runWithRetry(ctx, s.retrier, s.logger, "cancel_booking", func(ctx context.Context) error {
		cancelled, changed = nil, false
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			booking, err := tx.GetBookingForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			if booking.UserID != userID {
				return models.NewNotFound("booking", bookingID.String())
			}

			switch {
			case booking.BookingStatus == models.BookingStatusCancelled:
				cancelled = booking
				return nil
			case booking.PaymentStatus == models.PaymentStatusPaid,
				booking.PaymentStatus == models.PaymentStatusRefunded,
				booking.BookingStatus == models.BookingStatusFailed:
				return &models.StateError{
					BookingID: bookingID.String(),
					Current:   string(booking.PaymentStatus),
					Operation: "cancel",
				}
			}

			now := s.now()
			if reason == "" {
				reason = "cancelled by customer"
			}
			booking.BookingStatus = models.BookingStatusCancelled
			if !booking.PaymentStatus.IsTerminal() {
				booking.PaymentStatus = models.PaymentStatusExpired
			}
			booking.CancelledAt = &now
			booking.CancellationReason = &reason
			booking.UpdatedAt = now

			if err := releaseSeatsTx(ctx, tx, booking, now); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, booking); err != nil {
				return err
			}
			cancelled = booking
			changed = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.WithFields(logrus.Fields{
			"booking_id": cancelled.ID,
			"user_id":    userID,
			"seats":      cancelled.Seats,
		}).Info("Booking cancelled, seats released")
		s.notifier.Notify(bookingEvent(notify.EventBookingCancelled, cancelled, reason))
	}
	return cancelled, nil
}

// ExpireBooking cancels an unpaid booking whose payment window lapsed and frees its seats.
// Returns false when the booking already left the unpaid states.
func (s *SeatAllocationService) ExpireBooking(ctx context.Context, bookingID uuid.UUID, reason string) (bool, *models.Booking, error) {
	var expired *models.Booking

	err := runWithRetry(ctx, s.retrier, s.logger, "expire_booking", func(ctx context.Context) error {
		expired = nil
		return s.store.WithinTx(ctx, func(tx database.Tx) error {
			booking, err := tx.GetBookingForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			if booking.PaymentStatus.IsTerminal() || booking.BookingStatus != models.BookingStatusPending {
				return nil
			}

			now := s.now()
			booking.PaymentStatus = models.PaymentStatusExpired
			booking.BookingStatus = models.BookingStatusCancelled
			booking.FailureReason = &reason
			booking.CancellationReason = &reason
			booking.CancelledAt = &now
			booking.UpdatedAt = now

			if err := releaseSeatsTx(ctx, tx, booking, now); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, booking); err != nil {
				return err
			}
			expired = booking
			return nil
		})
	})
	if err != nil {
		return false, nil, err
	}
	if expired == nil {
		return false, nil, nil
	}

	s.notifier.Notify(bookingEvent(notify.EventBookingExpired, expired, reason))
	return true, expired, nil
}
