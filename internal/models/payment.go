package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethodClass is the coarse classification of how the customer paid
type PaymentMethodClass string

const (
	MethodCard         PaymentMethodClass = "card"
	MethodMobileMoney  PaymentMethodClass = "mobile_money"
	MethodBankTransfer PaymentMethodClass = "bank_transfer"
	MethodUnknown      PaymentMethodClass = "unknown"
)

// PaymentDetail is the write-once record attached to a booking when it becomes paid
type PaymentDetail struct {
	ID                    uuid.UUID          `json:"id" db:"id"`
	BookingID             uuid.UUID          `json:"booking_id" db:"booking_id"`
	Provider              PaymentProvider    `json:"provider" db:"provider"`
	ProviderTransactionID *string            `json:"provider_transaction_id,omitempty" db:"provider_transaction_id"`
	Amount                float64            `json:"amount" db:"amount"`
	Currency              string             `json:"currency" db:"currency"`
	MethodClass           PaymentMethodClass `json:"method_class" db:"method_class"`
	MethodRaw             *string            `json:"method_raw,omitempty" db:"method_raw"`
	AmountMismatch        bool               `json:"amount_mismatch" db:"amount_mismatch"`
	CapturedAt            time.Time          `json:"captured_at" db:"captured_at"`
}

// SignalStatus is the normalised meaning of a provider-reported status
type SignalStatus string

const (
	SignalSuccess SignalStatus = "success"
	SignalFailure SignalStatus = "failure"
	SignalPending SignalStatus = "pending"
)

// EventSource identifies which path delivered a PaymentEvent
type EventSource string

const (
	EventSourceWebhook EventSource = "webhook"
	EventSourceVerify  EventSource = "verify"
	EventSourceSweep   EventSource = "sweep"
)

// PaymentEvent is a single inbound provider signal. Consumed once by Reconcile.
type PaymentEvent struct {
	Provider              PaymentProvider
	CorrelationID         string
	BookingID             *uuid.UUID // set when the provider echoes our id back (metadata / meta)
	Status                string     // raw provider status
	Amount                *float64
	Currency              string
	MethodRaw             string
	ProviderTransactionID string
	FailureReason         string
	Source                EventSource
	Raw                   []byte
	ReceivedAt            time.Time
}

// ReconcileResult is the outcome of applying a PaymentEvent
type ReconcileResult string

const (
	ReconcileApplied  ReconcileResult = "applied"
	ReconcileIgnored  ReconcileResult = "ignored"
	ReconcileNotFound ReconcileResult = "not_found"
)

// CustomerContact is the payer information forwarded to the provider
type CustomerContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// CheckoutSession is returned by InitiatePayment
type CheckoutSession struct {
	BookingID     uuid.UUID       `json:"booking_id"`
	Provider      PaymentProvider `json:"provider"`
	CorrelationID string          `json:"correlation_id"`
	CheckoutURL   string          `json:"checkout_url"`
}
