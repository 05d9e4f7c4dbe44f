package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// Store is the transactional inventory and booking store.
//
// WithinTx runs fn in one serializable unit: every row read through the Tx is
// locked against concurrent writers until fn returns. A nil return commits,
// anything else rolls back. Write conflicts surface as
// *models.TransientStorageError so callers can retry the whole cycle.
//
// Read helpers on Store itself never lock and must not be called from inside fn.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetPaymentDetail(ctx context.Context, bookingID uuid.UUID) (*models.PaymentDetail, error)

	// Correlation lookups used by the reference resolver
	FindBookingByCorrelation(ctx context.Context, provider models.PaymentProvider, correlationID string) (*models.Booking, error)
	FindBookingByPaymentReference(ctx context.Context, reference string) (*models.Booking, error)
	FindBookingsByIDPrefix(ctx context.Context, prefix string) ([]*models.Booking, error)

	// ListStaleBookings returns unpaid bookings in status whose clock started before cutoff.
	// The clock is created_at for pending and payment_initiated_at for processing.
	ListStaleBookings(ctx context.Context, status models.PaymentStatus, cutoff time.Time, limit int) ([]*models.Booking, error)
	ListInconsistentSchedules(ctx context.Context) ([]*models.Schedule, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside Store.WithinTx
type Tx interface {
	GetScheduleForUpdate(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	// UpdateScheduleInventory writes bookedSeats/availableSeats if the schedule
	// version is unchanged since it was read, and bumps the version.
	UpdateScheduleInventory(ctx context.Context, schedule *models.Schedule) error

	InsertBooking(ctx context.Context, booking *models.Booking) error
	ReferenceExists(ctx context.Context, reference string) (bool, error)
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	UpdateBooking(ctx context.Context, booking *models.Booking) error

	// InsertPaymentDetail is write-once per booking; false means a record already existed
	InsertPaymentDetail(ctx context.Context, detail *models.PaymentDetail) (bool, error)
}

// PaymentAuditLog is the append-only payment audit trail
type PaymentAuditLog interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) ([]*models.PaymentAudit, error)
	GetAmountMismatches(ctx context.Context, limit int) ([]*models.PaymentAudit, error)
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
