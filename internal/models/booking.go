package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING & PAYMENT STATUSES (matches DB CHECK constraints)
// ============================================================================

// BookingStatus represents the lifecycle status of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusFailed    BookingStatus = "failed"
)

// PaymentStatus represents the payment status of a booking
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether the reconciliation engine may no longer transition out of s
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentProvider names one of the two checkout providers
type PaymentProvider string

const (
	ProviderStripe      PaymentProvider = "stripe"
	ProviderFlutterwave PaymentProvider = "flutterwave"
)

// IsValid reports whether p is a supported provider
func (p PaymentProvider) IsValid() bool {
	return p == ProviderStripe || p == ProviderFlutterwave
}

// ============================================================================
// BOOKING
// ============================================================================

// Passenger is one manifest entry. SeatLabel ties the passenger to a booked seat.
type Passenger struct {
	SeatLabel string  `json:"seat_label"`
	Name      string  `json:"name"`
	Phone     *string `json:"phone,omitempty"`
	Email     *string `json:"email,omitempty"`
	Age       *int    `json:"age,omitempty"`
	Gender    *string `json:"gender,omitempty"`
}

// Booking is one purchase attempt for a set of seats on a schedule
type Booking struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	Reference  string            `json:"reference" db:"reference"`
	UserID     uuid.UUID         `json:"user_id" db:"user_id"`
	ScheduleID uuid.UUID         `json:"schedule_id" db:"schedule_id"`
	Seats      SeatLabels        `json:"seats" db:"seats"`
	Passengers PassengerManifest `json:"passengers" db:"passengers"`

	TotalAmount float64 `json:"total_amount" db:"total_amount"`
	Currency    string  `json:"currency" db:"currency"`

	BookingStatus BookingStatus `json:"booking_status" db:"booking_status"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`

	// Provider correlation. At most one of StripeSessionID / TxRef is set, once.
	Provider         *PaymentProvider `json:"provider,omitempty" db:"provider"`
	StripeSessionID  *string          `json:"stripe_session_id,omitempty" db:"stripe_session_id"`
	TxRef            *string          `json:"tx_ref,omitempty" db:"tx_ref"`
	PaymentReference *string          `json:"payment_reference,omitempty" db:"payment_reference"` // legacy correlation column

	FailureReason  *string `json:"failure_reason,omitempty" db:"failure_reason"`
	AmountMismatch bool    `json:"amount_mismatch" db:"amount_mismatch"`
	SeatsReleased  bool    `json:"-" db:"seats_released"`

	LastSignalAt       *time.Time `json:"last_signal_at,omitempty" db:"last_signal_at"`
	PaymentInitiatedAt *time.Time `json:"payment_initiated_at,omitempty" db:"payment_initiated_at"`
	PaidAt             *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason *string    `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// CorrelationID returns the provider correlation id stored at initiation, if any
func (b *Booking) CorrelationID() string {
	if b.StripeSessionID != nil && *b.StripeSessionID != "" {
		return *b.StripeSessionID
	}
	if b.TxRef != nil && *b.TxRef != "" {
		return *b.TxRef
	}
	return ""
}

// CorrelationFor returns the correlation id stored for a specific provider
func (b *Booking) CorrelationFor(provider PaymentProvider) string {
	switch provider {
	case ProviderStripe:
		if b.StripeSessionID != nil {
			return *b.StripeSessionID
		}
	case ProviderFlutterwave:
		if b.TxRef != nil {
			return *b.TxRef
		}
	}
	return ""
}

// SetCorrelation records provider and correlation id. Returns false if one is already set.
func (b *Booking) SetCorrelation(provider PaymentProvider, correlationID string) bool {
	if b.CorrelationID() != "" {
		return false
	}
	p := provider
	b.Provider = &p
	switch provider {
	case ProviderStripe:
		b.StripeSessionID = &correlationID
	case ProviderFlutterwave:
		b.TxRef = &correlationID
	}
	return true
}

// MarkFailed moves the payment to failed with a reason
func (b *Booking) MarkFailed(reason string, now time.Time) {
	b.PaymentStatus = PaymentStatusFailed
	if b.BookingStatus == BookingStatusPending {
		b.BookingStatus = BookingStatusFailed
	}
	b.FailureReason = &reason
	b.UpdatedAt = now
}

// MarkPaid moves the payment to paid and confirms the booking
func (b *Booking) MarkPaid(now time.Time) {
	b.PaymentStatus = PaymentStatusPaid
	b.BookingStatus = BookingStatusConfirmed
	b.PaidAt = &now
	b.FailureReason = nil
	b.UpdatedAt = now
}

// BookingSummary is the response for create booking
type BookingSummary struct {
	BookingID     uuid.UUID     `json:"booking_id"`
	Reference     string        `json:"reference"`
	ScheduleID    uuid.UUID     `json:"schedule_id"`
	Seats         []string      `json:"seats"`
	TotalAmount   float64       `json:"total_amount"`
	Currency      string        `json:"currency"`
	BookingStatus BookingStatus `json:"booking_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

// Summary builds the create-booking response
func (b *Booking) Summary() BookingSummary {
	return BookingSummary{
		BookingID:     b.ID,
		Reference:     b.Reference,
		ScheduleID:    b.ScheduleID,
		Seats:         b.Seats,
		TotalAmount:   b.TotalAmount,
		Currency:      b.Currency,
		BookingStatus: b.BookingStatus,
		PaymentStatus: b.PaymentStatus,
	}
}
