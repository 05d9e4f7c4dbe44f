package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// Currencies Stripe charges in whole units
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// StripeGatewayConfig holds configuration for the Stripe gateway
type StripeGatewayConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// APIBase overrides the Stripe API host (tests only)
	APIBase string
}

// StripeGateway opens Stripe Checkout sessions and verifies Stripe webhooks
type StripeGateway struct {
	config   *StripeGatewayConfig
	sessions *session.Client
}

// NewStripeGateway creates a new Stripe gateway
func NewStripeGateway(config *StripeGatewayConfig) (*StripeGateway, error) {
	if config == nil {
		return nil, fmt.Errorf("stripe config is required")
	}
	if config.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if config.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}

	backend := stripe.GetBackend(stripe.APIBackend)
	if config.APIBase != "" {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(config.APIBase),
			MaxNetworkRetries: stripe.Int64(0),
		})
	}

	return &StripeGateway{
		config:   config,
		sessions: &session.Client{B: backend, Key: config.SecretKey},
	}, nil
}

// Provider returns the provider name
func (g *StripeGateway) Provider() models.PaymentProvider {
	return models.ProviderStripe
}

// CreateCheckout creates a hosted Checkout session for the booking total
func (g *StripeGateway) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*Checkout, error) {
	if req == nil {
		return nil, fmt.Errorf("checkout request is required")
	}

	currency := strings.ToLower(req.Currency)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.config.SuccessURL),
		CancelURL:         stripe.String(g.config.CancelURL),
		ClientReferenceID: stripe.String(req.CorrelationID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(toMinorUnits(req.Amount, currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
			},
		},
		Metadata: map[string]string{
			"booking_id":     req.BookingID.String(),
			"reference":      req.Reference,
			"correlation_id": req.CorrelationID,
		},
	}
	if req.Customer.Email != "" {
		params.CustomerEmail = stripe.String(req.Customer.Email)
	}
	params.Context = ctx

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, &models.ExternalProviderError{Provider: models.ProviderStripe, Err: err}
	}
	if s.ID == "" || s.URL == "" {
		return nil, &models.ExternalProviderError{
			Provider: models.ProviderStripe,
			Err:      fmt.Errorf("checkout session response missing id or url"),
		}
	}

	return &Checkout{CorrelationID: s.ID, CheckoutURL: s.URL}, nil
}

// QueryStatus retrieves the checkout session and normalises it into a PaymentEvent
func (g *StripeGateway) QueryStatus(ctx context.Context, correlationID string) (*models.PaymentEvent, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := g.sessions.Get(correlationID, params)
	if err != nil {
		return nil, &models.ExternalProviderError{Provider: models.ProviderStripe, Err: err}
	}

	event := sessionToEvent(s, sessionStatus(s))
	event.Source = models.EventSourceVerify
	return event, nil
}

// CloseCheckout expires an open checkout session. Stripe refuses sessions that are already complete.
func (g *StripeGateway) CloseCheckout(ctx context.Context, correlationID string) error {
	if correlationID == "" {
		return fmt.Errorf("session ID is required")
	}

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx

	if _, err := g.sessions.Expire(correlationID, params); err != nil {
		return &models.ExternalProviderError{Provider: models.ProviderStripe, Err: err}
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the checkout session outcome
func (g *StripeGateway) ParseWebhook(payload []byte, header http.Header) (*models.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		header.Get("Stripe-Signature"),
		g.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, &models.SignatureError{Provider: models.ProviderStripe, Err: err}
	}

	var status string
	switch string(event.Type) {
	case "checkout.session.completed":
		status = "" // derived from the session below; async methods complete unpaid
	case "checkout.session.async_payment_succeeded":
		status = "succeeded"
	case "checkout.session.async_payment_failed":
		status = "failed"
	case "checkout.session.expired":
		status = "expired"
	default:
		return nil, ErrUnsupportedEvent
	}

	if event.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data", event.ID)
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse checkout session: %w", err)
	}
	if status == "" {
		status = sessionStatus(&s)
	}

	result := sessionToEvent(&s, status)
	result.Source = models.EventSourceWebhook
	result.Raw = payload
	if status == "failed" {
		result.FailureReason = "asynchronous payment failed"
	}
	if status == "expired" {
		result.FailureReason = "checkout session expired"
	}
	return result, nil
}

// sessionStatus collapses Stripe's two session status fields into one provider status
func sessionStatus(s *stripe.CheckoutSession) string {
	if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		return "paid"
	}
	if s.Status == stripe.CheckoutSessionStatusExpired {
		return "expired"
	}
	// a completed session paid by an async method stays "unpaid" until the follow-up event
	if s.PaymentStatus != "" {
		return string(s.PaymentStatus)
	}
	return string(s.Status)
}

func sessionToEvent(s *stripe.CheckoutSession, status string) *models.PaymentEvent {
	currency := string(s.Currency)
	event := &models.PaymentEvent{
		Provider:      models.ProviderStripe,
		CorrelationID: s.ID,
		Status:        status,
		Currency:      strings.ToUpper(currency),
		ReceivedAt:    time.Now(),
	}

	if s.AmountTotal > 0 {
		amount := fromMinorUnits(s.AmountTotal, currency)
		event.Amount = &amount
	}
	if len(s.PaymentMethodTypes) > 0 {
		event.MethodRaw = s.PaymentMethodTypes[0]
	}
	if s.PaymentIntent != nil {
		event.ProviderTransactionID = s.PaymentIntent.ID
	}
	if raw, ok := s.Metadata["booking_id"]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			event.BookingID = &id
		}
	}
	return event
}

func toMinorUnits(amount float64, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}

func fromMinorUnits(amount int64, currency string) float64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return float64(amount)
	}
	return float64(amount) / 100
}
