package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// ErrUnsupportedEvent is returned by ParseWebhook for authentic deliveries
// that carry no payment outcome (e.g. customer.created). Acknowledge and drop.
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

// CheckoutRequest is everything a provider needs to open a hosted checkout
type CheckoutRequest struct {
	BookingID     uuid.UUID
	Reference     string
	CorrelationID string
	Amount        float64
	Currency      string
	Description   string
	Customer      models.CustomerContact
}

// Checkout is a created provider session. CorrelationID is what the provider
// will echo back in webhooks and accept in status queries.
type Checkout struct {
	CorrelationID string
	CheckoutURL   string
}

// Gateway is one external payment provider
type Gateway interface {
	Provider() models.PaymentProvider
	CreateCheckout(ctx context.Context, req *CheckoutRequest) (*Checkout, error)
	// QueryStatus asks the provider for the authoritative state of a correlation id
	QueryStatus(ctx context.Context, correlationID string) (*models.PaymentEvent, error)
	// ParseWebhook verifies the signature over the raw body and normalises the payload.
	// Signature failures return *models.SignatureError.
	ParseWebhook(payload []byte, header http.Header) (*models.PaymentEvent, error)
}

// CheckoutCloser is implemented by providers that can invalidate an open checkout
// so the customer can no longer pay it
type CheckoutCloser interface {
	CloseCheckout(ctx context.Context, correlationID string) error
}

// Registry resolves gateways by provider name
type Registry map[models.PaymentProvider]Gateway

// NewRegistry builds a registry from the enabled gateways
func NewRegistry(gateways ...Gateway) Registry {
	r := make(Registry, len(gateways))
	for _, g := range gateways {
		r[g.Provider()] = g
	}
	return r
}

// Get returns the gateway for provider
func (r Registry) Get(provider models.PaymentProvider) (Gateway, bool) {
	g, ok := r[provider]
	return g, ok
}

// ClassifyMethod maps a provider-specific payment method string onto a coarse class
func ClassifyMethod(provider models.PaymentProvider, raw string) models.PaymentMethodClass {
	method := strings.ToLower(strings.TrimSpace(raw))
	if method == "" {
		return models.MethodUnknown
	}

	switch provider {
	case models.ProviderStripe:
		return classifyStripeMethod(method)
	case models.ProviderFlutterwave:
		return classifyFlutterwaveMethod(method)
	}
	return models.MethodUnknown
}

func classifyStripeMethod(method string) models.PaymentMethodClass {
	switch method {
	case "card", "link", "apple_pay", "google_pay", "card_present":
		return models.MethodCard
	case "mobilepay", "cashapp", "wechat_pay", "alipay", "grabpay", "gcash", "paynow", "promptpay", "mb_way", "swish":
		return models.MethodMobileMoney
	case "customer_balance", "sepa_debit", "bacs_debit", "au_becs_debit", "acss_debit", "us_bank_account", "ideal", "sofort", "bancontact", "fpx":
		return models.MethodBankTransfer
	}
	return models.MethodUnknown
}

func classifyFlutterwaveMethod(method string) models.PaymentMethodClass {
	switch {
	case method == "card":
		return models.MethodCard
	case strings.HasPrefix(method, "mobilemoney"), method == "mpesa", method == "mobile_money":
		return models.MethodMobileMoney
	case method == "bank_transfer", method == "account", method == "ussd", method == "barter", strings.HasPrefix(method, "bank"):
		return models.MethodBankTransfer
	}
	return models.MethodUnknown
}
