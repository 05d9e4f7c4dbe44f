package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// FlutterwaveSignatureHeader carries base64(HMAC-SHA256(secret, raw body))
const FlutterwaveSignatureHeader = "flutterwave-signature"

// FlutterwaveGatewayConfig holds configuration for the Flutterwave gateway
type FlutterwaveGatewayConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	RedirectURL   string
	Timeout       time.Duration
}

// FlutterwaveGateway talks to the Flutterwave v3 REST API
type FlutterwaveGateway struct {
	config     *FlutterwaveGatewayConfig
	httpClient *http.Client
}

// NewFlutterwaveGateway creates a new Flutterwave gateway
func NewFlutterwaveGateway(config *FlutterwaveGatewayConfig) (*FlutterwaveGateway, error) {
	if config == nil {
		return nil, fmt.Errorf("flutterwave config is required")
	}
	if config.SecretKey == "" {
		return nil, fmt.Errorf("flutterwave secret key is required")
	}
	if config.WebhookSecret == "" {
		return nil, fmt.Errorf("flutterwave webhook secret is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.flutterwave.com"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &FlutterwaveGateway{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Provider returns the provider name
func (g *FlutterwaveGateway) Provider() models.PaymentProvider {
	return models.ProviderFlutterwave
}

type flwCustomer struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phonenumber,omitempty"`
	Name        string `json:"name,omitempty"`
}

type flwPaymentRequest struct {
	TxRef          string            `json:"tx_ref"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	RedirectURL    string            `json:"redirect_url"`
	Customer       flwCustomer       `json:"customer"`
	Meta           map[string]string `json:"meta,omitempty"`
	Customizations map[string]string `json:"customizations,omitempty"`
}

type flwEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flwTransaction struct {
	ID                json.Number    `json:"id"`
	TxRef             string         `json:"tx_ref"`
	FlwRef            string         `json:"flw_ref"`
	Amount            float64        `json:"amount"`
	ChargedAmount     float64        `json:"charged_amount"`
	Currency          string         `json:"currency"`
	Status            string         `json:"status"`
	PaymentType       string         `json:"payment_type"`
	ProcessorResponse string         `json:"processor_response"`
	Meta              map[string]any `json:"meta"`
}

// CreateCheckout opens a Flutterwave Standard payment link. The tx_ref is our correlation id.
func (g *FlutterwaveGateway) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*Checkout, error) {
	if req == nil {
		return nil, fmt.Errorf("checkout request is required")
	}
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("tx_ref is required")
	}

	body := flwPaymentRequest{
		TxRef:       req.CorrelationID,
		Amount:      strconv.FormatFloat(req.Amount, 'f', 2, 64),
		Currency:    strings.ToUpper(req.Currency),
		RedirectURL: g.config.RedirectURL,
		Customer: flwCustomer{
			Email:       req.Customer.Email,
			PhoneNumber: req.Customer.Phone,
			Name:        req.Customer.Name,
		},
		Meta: map[string]string{
			"booking_id": req.BookingID.String(),
			"reference":  req.Reference,
		},
		Customizations: map[string]string{"title": req.Description},
	}

	var data struct {
		Link string `json:"link"`
	}
	if _, err := g.do(ctx, http.MethodPost, "/v3/payments", body, &data); err != nil {
		return nil, err
	}
	if data.Link == "" {
		return nil, &models.ExternalProviderError{
			Provider: models.ProviderFlutterwave,
			Err:      fmt.Errorf("payment response missing checkout link"),
		}
	}

	return &Checkout{CorrelationID: req.CorrelationID, CheckoutURL: data.Link}, nil
}

// QueryStatus verifies a transaction by tx_ref. A reference Flutterwave has
// not seen yet reports as pending.
func (g *FlutterwaveGateway) QueryStatus(ctx context.Context, correlationID string) (*models.PaymentEvent, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("tx_ref is required")
	}

	path := "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(correlationID)

	var tx flwTransaction
	status, err := g.do(ctx, http.MethodGet, path, nil, &tx)
	if status == http.StatusNotFound {
		return &models.PaymentEvent{
			Provider:      models.ProviderFlutterwave,
			CorrelationID: correlationID,
			Status:        "pending",
			Source:        models.EventSourceVerify,
			ReceivedAt:    time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if tx.TxRef == "" {
		tx.TxRef = correlationID
	}

	event := transactionToEvent(&tx)
	event.Source = models.EventSourceVerify
	return event, nil
}

// ParseWebhook checks the HMAC signature over the raw body and parses a charge event
func (g *FlutterwaveGateway) ParseWebhook(payload []byte, header http.Header) (*models.PaymentEvent, error) {
	if err := VerifyFlutterwaveSignature(payload, header.Get(FlutterwaveSignatureHeader), g.config.WebhookSecret); err != nil {
		return nil, &models.SignatureError{Provider: models.ProviderFlutterwave, Err: err}
	}

	var envelope struct {
		Event string         `json:"event"`
		Data  flwTransaction `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse flutterwave webhook: %w", err)
	}
	if !strings.HasPrefix(envelope.Event, "charge.") {
		return nil, ErrUnsupportedEvent
	}
	if envelope.Data.TxRef == "" {
		return nil, fmt.Errorf("flutterwave webhook missing tx_ref")
	}

	event := transactionToEvent(&envelope.Data)
	event.Source = models.EventSourceWebhook
	event.Raw = payload
	return event, nil
}

// SignFlutterwavePayload computes the webhook signature for body
func SignFlutterwavePayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyFlutterwaveSignature compares signature against the expected HMAC in constant time
func VerifyFlutterwaveSignature(payload []byte, signature, secret string) error {
	if signature == "" {
		return fmt.Errorf("missing %s header", FlutterwaveSignatureHeader)
	}
	expected := SignFlutterwavePayload(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func transactionToEvent(tx *flwTransaction) *models.PaymentEvent {
	event := &models.PaymentEvent{
		Provider:              models.ProviderFlutterwave,
		CorrelationID:         tx.TxRef,
		Status:                strings.ToLower(tx.Status),
		Currency:              strings.ToUpper(tx.Currency),
		MethodRaw:             tx.PaymentType,
		ProviderTransactionID: tx.ID.String(),
		ReceivedAt:            time.Now(),
	}

	amount := tx.Amount
	if amount == 0 {
		amount = tx.ChargedAmount
	}
	if amount > 0 {
		event.Amount = &amount
	}
	if event.Status == "failed" && tx.ProcessorResponse != "" {
		event.FailureReason = tx.ProcessorResponse
	}
	if raw, ok := tx.Meta["booking_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			event.BookingID = &id
		}
	}
	return event
}

// do sends an authenticated request and decodes the envelope's data into out.
// The HTTP status is returned alongside any error.
func (g *FlutterwaveGateway) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.config.BaseURL, "/")+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.config.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, &models.ExternalProviderError{Provider: models.ProviderFlutterwave, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &models.ExternalProviderError{Provider: models.ProviderFlutterwave, Err: err}
	}

	var envelope flwEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return resp.StatusCode, &models.ExternalProviderError{
			Provider: models.ProviderFlutterwave,
			Err:      fmt.Errorf("invalid response (status %d): %w", resp.StatusCode, err),
		}
	}

	if resp.StatusCode >= 300 || envelope.Status != "success" {
		return resp.StatusCode, &models.ExternalProviderError{
			Provider: models.ProviderFlutterwave,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, envelope.Message),
		}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return resp.StatusCode, &models.ExternalProviderError{
				Provider: models.ProviderFlutterwave,
				Err:      fmt.Errorf("failed to decode response data: %w", err),
			}
		}
	}
	return resp.StatusCode, nil
}
