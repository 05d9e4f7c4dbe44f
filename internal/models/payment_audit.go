package models

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment audit entry
type PaymentEventType string

const (
	PaymentEventInitiated              PaymentEventType = "payment_initiated"
	PaymentEventInitiationFailed       PaymentEventType = "payment_initiation_failed"
	PaymentEventWebhookReceived        PaymentEventType = "webhook_received"
	PaymentEventSignatureRejected      PaymentEventType = "signature_rejected"
	PaymentEventStatusCheck            PaymentEventType = "status_check"
	PaymentEventSuccess                PaymentEventType = "payment_success"
	PaymentEventFailed                 PaymentEventType = "payment_failed"
	PaymentEventPendingRefresh         PaymentEventType = "payment_pending"
	PaymentEventDuplicate              PaymentEventType = "duplicate_signal"
	PaymentEventUnresolved             PaymentEventType = "unresolved_signal"
	PaymentEventExpired                PaymentEventType = "payment_expired"
	PaymentEventReconciliationMismatch PaymentEventType = "reconciliation_mismatch"
)

// PaymentEventSource identifies where the audited signal originated
type PaymentEventSource string

const (
	PaymentSourceBackend     PaymentEventSource = "backend"
	PaymentSourceWebhook     PaymentEventSource = "webhook"
	PaymentSourceProviderAPI PaymentEventSource = "provider_api"
	PaymentSourceSweep       PaymentEventSource = "sweep"
)

// SourceFor maps the reconciliation event source to an audit source
func SourceFor(source EventSource) PaymentEventSource {
	switch source {
	case EventSourceWebhook:
		return PaymentSourceWebhook
	case EventSourceVerify:
		return PaymentSourceProviderAPI
	case EventSourceSweep:
		return PaymentSourceSweep
	}
	return PaymentSourceBackend
}

// PaymentAudit is an immutable audit log entry for payment signals
type PaymentAudit struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	BookingID     *uuid.UUID       `json:"booking_id,omitempty" db:"booking_id"`
	Provider      *PaymentProvider `json:"provider,omitempty" db:"provider"`
	CorrelationID *string          `json:"correlation_id,omitempty" db:"correlation_id"`

	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	ExpectedAmount *float64 `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64 `json:"received_amount,omitempty" db:"received_amount"`
	Currency       *string  `json:"currency,omitempty" db:"currency"`
	AmountsMatch   *bool    `json:"amounts_match,omitempty" db:"amounts_match"`

	ProviderStatus        *string `json:"provider_status,omitempty" db:"provider_status"`
	ProviderTransactionID *string `json:"provider_transaction_id,omitempty" db:"provider_transaction_id"`
	RawBody               *string `json:"raw_body,omitempty" db:"raw_body"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	IsDuplicate  bool    `json:"is_duplicate" db:"is_duplicate"`

	IPAddress *string `json:"ip_address,omitempty" db:"ip_address"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetBooking sets the booking the entry belongs to
func (pa *PaymentAudit) SetBooking(bookingID uuid.UUID) *PaymentAudit {
	pa.BookingID = &bookingID
	return pa
}

// SetCorrelation sets the provider and its correlation id
func (pa *PaymentAudit) SetCorrelation(provider PaymentProvider, correlationID string) *PaymentAudit {
	pa.Provider = &provider
	if correlationID != "" {
		pa.CorrelationID = &correlationID
	}
	return pa
}

// SetAmounts records expected vs received amount and currency, returns whether they match.
// Currency comparison is case-insensitive; amounts use a 0.01 tolerance.
func (pa *PaymentAudit) SetAmounts(expected, received float64, expectedCurrency, receivedCurrency string) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received
	pa.Currency = &receivedCurrency

	match := AmountsMatch(expected, received) && CurrenciesMatch(expectedCurrency, receivedCurrency)
	pa.AmountsMatch = &match
	return match
}

// SetProviderStatus sets the raw status reported by the provider
func (pa *PaymentAudit) SetProviderStatus(status string) *PaymentAudit {
	if status != "" {
		pa.ProviderStatus = &status
	}
	return pa
}

// SetProviderTransaction sets the provider-side transaction id
func (pa *PaymentAudit) SetProviderTransaction(id string) *PaymentAudit {
	if id != "" {
		pa.ProviderTransactionID = &id
	}
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string) *PaymentAudit {
	pa.ErrorMessage = &message
	return pa
}

// SetRawBody stores the raw provider payload
func (pa *PaymentAudit) SetRawBody(body []byte) *PaymentAudit {
	if len(body) > 0 {
		s := string(body)
		pa.RawBody = &s
	}
	return pa
}

// SetIPAddress sets the caller address for webhook entries
func (pa *PaymentAudit) SetIPAddress(ip string) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	return pa
}

// MarkAsDuplicate marks this entry as a redelivered signal
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}

// AmountsMatch compares two amounts with a 0.01 tolerance
func AmountsMatch(expected, received float64) bool {
	const tolerance = 0.01
	return math.Abs(expected-received) < tolerance
}

// CurrenciesMatch compares ISO currency codes case-insensitively
func CurrenciesMatch(expected, received string) bool {
	if received == "" {
		return true
	}
	return strings.EqualFold(expected, received)
}
