package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

const scheduleColumns = `
	id, company_id, route_id, bus_id, capacity, booked_seats, available_seats,
	price_per_seat, currency, departure_at, arrival_at, version, created_at, updated_at`

const bookingColumns = `
	id, reference, user_id, schedule_id, seats, passengers, total_amount, currency,
	booking_status, payment_status, provider, stripe_session_id, tx_ref, payment_reference,
	failure_reason, amount_mismatch, seats_released,
	last_signal_at, payment_initiated_at, paid_at, cancelled_at, cancellation_reason,
	created_at, updated_at`

// PostgreSQL error codes that indicate a write conflict rather than a logical failure
var transientPQCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// PostgresStore implements Store on PostgreSQL with row locks and a version check on schedules
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// classifyError wraps err with action context, promoting lock and serialization
// failures to TransientStorageError
func classifyError(err error, action string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && transientPQCodes[pqErr.Code] {
		return &models.TransientStorageError{Err: fmt.Errorf("failed to %s: %w", action, err)}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

// WithinTx runs fn inside a database transaction
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyError(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyError(err, "commit transaction")
	}
	return nil
}

type postgresTx struct {
	tx *sqlx.Tx
}

// GetScheduleForUpdate reads and row-locks a schedule
func (t *postgresTx) GetScheduleForUpdate(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	var schedule models.Schedule
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1 FOR UPDATE`

	err := t.tx.GetContext(ctx, &schedule, query, id)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFound("schedule", id.String())
	}
	if err != nil {
		return nil, classifyError(err, "lock schedule")
	}
	return &schedule, nil
}

// UpdateScheduleInventory writes the seat inventory guarded by the version read earlier
func (t *postgresTx) UpdateScheduleInventory(ctx context.Context, schedule *models.Schedule) error {
	now := time.Now()
	query := `
		UPDATE schedules
		SET booked_seats = $1, available_seats = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`

	result, err := t.tx.ExecContext(ctx, query,
		schedule.BookedSeats, schedule.AvailableSeats, now, schedule.ID, schedule.Version,
	)
	if err != nil {
		return classifyError(err, "update schedule inventory")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &models.TransientStorageError{
			Err: fmt.Errorf("schedule %s changed since version %d", schedule.ID, schedule.Version),
		}
	}

	schedule.Version++
	schedule.UpdatedAt = now
	return nil
}

// InsertBooking inserts a new booking row
func (t *postgresTx) InsertBooking(ctx context.Context, b *models.Booking) error {
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24
		)`

	_, err := t.tx.ExecContext(ctx, query,
		b.ID, b.Reference, b.UserID, b.ScheduleID, b.Seats, b.Passengers, b.TotalAmount, b.Currency,
		b.BookingStatus, b.PaymentStatus, b.Provider, b.StripeSessionID, b.TxRef, b.PaymentReference,
		b.FailureReason, b.AmountMismatch, b.SeatsReleased,
		b.LastSignalAt, b.PaymentInitiatedAt, b.PaidAt, b.CancelledAt, b.CancellationReason,
		b.CreatedAt, b.UpdatedAt,
	)
	return classifyError(err, "insert booking")
}

// ReferenceExists checks whether a booking reference is already taken
func (t *postgresTx) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var count int
	err := t.tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM bookings WHERE reference = $1`, reference)
	if err != nil {
		return false, classifyError(err, "check booking reference")
	}
	return count > 0, nil
}

// GetBookingForUpdate reads and row-locks a booking
func (t *postgresTx) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`

	err := t.tx.GetContext(ctx, &booking, query, id)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFound("booking", id.String())
	}
	if err != nil {
		return nil, classifyError(err, "lock booking")
	}
	return &booking, nil
}

// UpdateBooking writes every mutable booking column. Seats and passengers are never rewritten
// and payment_reference is only set while it is still NULL.
func (t *postgresTx) UpdateBooking(ctx context.Context, b *models.Booking) error {
	query := `
		UPDATE bookings SET
			booking_status = $1, payment_status = $2,
			provider = $3, stripe_session_id = $4, tx_ref = $5,
			failure_reason = $6, amount_mismatch = $7, seats_released = $8,
			last_signal_at = $9, payment_initiated_at = $10, paid_at = $11,
			cancelled_at = $12, cancellation_reason = $13, updated_at = $14,
			payment_reference = COALESCE(payment_reference, $15)
		WHERE id = $16`

	result, err := t.tx.ExecContext(ctx, query,
		b.BookingStatus, b.PaymentStatus,
		b.Provider, b.StripeSessionID, b.TxRef,
		b.FailureReason, b.AmountMismatch, b.SeatsReleased,
		b.LastSignalAt, b.PaymentInitiatedAt, b.PaidAt,
		b.CancelledAt, b.CancellationReason, b.UpdatedAt,
		b.PaymentReference,
		b.ID,
	)
	if err != nil {
		return classifyError(err, "update booking")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.NewNotFound("booking", b.ID.String())
	}
	return nil
}

// InsertPaymentDetail inserts the payment detail unless one already exists for the booking
func (t *postgresTx) InsertPaymentDetail(ctx context.Context, d *models.PaymentDetail) (bool, error) {
	query := `
		INSERT INTO payment_details (
			id, booking_id, provider, provider_transaction_id, amount, currency,
			method_class, method_raw, amount_mismatch, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (booking_id) DO NOTHING`

	result, err := t.tx.ExecContext(ctx, query,
		d.ID, d.BookingID, d.Provider, d.ProviderTransactionID, d.Amount, d.Currency,
		d.MethodClass, d.MethodRaw, d.AmountMismatch, d.CapturedAt,
	)
	if err != nil {
		return false, classifyError(err, "insert payment detail")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ============================================================================
// READS
// ============================================================================

// GetSchedule retrieves a schedule without locking it
func (s *PostgresStore) GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	var schedule models.Schedule
	err := s.db.GetContext(ctx, &schedule, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFound("schedule", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &schedule, nil
}

// GetBooking retrieves a booking without locking it
func (s *PostgresStore) GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return s.getBookingWhere(ctx, "id = $1", id)
}

// GetPaymentDetail retrieves the payment detail recorded for a booking
func (s *PostgresStore) GetPaymentDetail(ctx context.Context, bookingID uuid.UUID) (*models.PaymentDetail, error) {
	var detail models.PaymentDetail
	query := `
		SELECT id, booking_id, provider, provider_transaction_id, amount, currency,
			method_class, method_raw, amount_mismatch, captured_at
		FROM payment_details WHERE booking_id = $1`

	err := s.db.GetContext(ctx, &detail, query, bookingID)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFound("payment detail", bookingID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment detail: %w", err)
	}
	return &detail, nil
}

// FindBookingByCorrelation matches the provider-specific correlation column
func (s *PostgresStore) FindBookingByCorrelation(ctx context.Context, provider models.PaymentProvider, correlationID string) (*models.Booking, error) {
	switch provider {
	case models.ProviderStripe:
		return s.getBookingWhere(ctx, "stripe_session_id = $1", correlationID)
	case models.ProviderFlutterwave:
		return s.getBookingWhere(ctx, "tx_ref = $1", correlationID)
	}
	return nil, models.NewNotFound("booking", correlationID)
}

// FindBookingByPaymentReference matches the legacy payment_reference column
func (s *PostgresStore) FindBookingByPaymentReference(ctx context.Context, reference string) (*models.Booking, error) {
	return s.getBookingWhere(ctx, "payment_reference = $1", reference)
}

// FindBookingsByIDPrefix lists bookings whose id starts with a hex prefix
func (s *PostgresStore) FindBookingsByIDPrefix(ctx context.Context, prefix string) ([]*models.Booking, error) {
	var bookings []*models.Booking
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id::text LIKE $1 LIMIT 10`

	if err := s.db.SelectContext(ctx, &bookings, query, strings.ToLower(prefix)+"%"); err != nil {
		return nil, fmt.Errorf("failed to find bookings by id prefix: %w", err)
	}
	return bookings, nil
}

// ListStaleBookings lists unpaid bookings whose clock started before cutoff
func (s *PostgresStore) ListStaleBookings(ctx context.Context, status models.PaymentStatus, cutoff time.Time, limit int) ([]*models.Booking, error) {
	clock := "created_at"
	if status == models.PaymentStatusProcessing {
		clock = "COALESCE(payment_initiated_at, updated_at)"
	}

	var bookings []*models.Booking
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE payment_status = $1 AND booking_status = 'pending' AND ` + clock + ` < $2
		ORDER BY created_at ASC
		LIMIT $3`

	if err := s.db.SelectContext(ctx, &bookings, query, status, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale bookings: %w", err)
	}
	return bookings, nil
}

// ListInconsistentSchedules finds schedules violating available = capacity - |booked|
func (s *PostgresStore) ListInconsistentSchedules(ctx context.Context) ([]*models.Schedule, error) {
	var schedules []*models.Schedule
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE available_seats <> capacity - COALESCE(cardinality(booked_seats), 0)`

	if err := s.db.SelectContext(ctx, &schedules, query); err != nil {
		return nil, fmt.Errorf("failed to list inconsistent schedules: %w", err)
	}
	return schedules, nil
}

// Ping checks the connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) getBookingWhere(ctx context.Context, where string, arg interface{}) (*models.Booking, error) {
	var booking models.Booking
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + where

	err := s.db.GetContext(ctx, &booking, query, arg)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFound("booking", fmt.Sprint(arg))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}
