package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/pkg/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret      = "handlers-test-secret-0123456789abcdef"
	testSignatureValue = "valid-signature"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeGateway is a scriptable provider. Webhooks carry a JSON body and are
// authenticated by the X-Test-Signature header.
type fakeGateway struct {
	mu        sync.Mutex
	provider  models.PaymentProvider
	createErr error
	statuses  map[string]string
	amounts   map[string]float64
	sessions  int
}

type fakeWebhookBody struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
}

func newFakeGateway(provider models.PaymentProvider) *fakeGateway {
	return &fakeGateway{
		provider: provider,
		statuses: make(map[string]string),
		amounts:  make(map[string]float64),
	}
}

func (g *fakeGateway) Provider() models.PaymentProvider { return g.provider }

func (g *fakeGateway) CreateCheckout(_ context.Context, req *payment.CheckoutRequest) (*payment.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	correlationID := req.CorrelationID
	if g.provider == models.ProviderStripe {
		g.sessions++
		correlationID = fmt.Sprintf("cs_test_%04d", g.sessions)
	}
	return &payment.Checkout{CorrelationID: correlationID, CheckoutURL: "https://checkout.example/" + correlationID}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, correlationID string) (*models.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[correlationID]
	if !ok {
		status = "pending"
	}
	event := &models.PaymentEvent{
		Provider:      g.provider,
		CorrelationID: correlationID,
		Status:        status,
		Source:        models.EventSourceVerify,
	}
	if amount, ok := g.amounts[correlationID]; ok {
		event.Amount = &amount
		event.Currency = "LKR"
	}
	return event, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, header http.Header) (*models.PaymentEvent, error) {
	if header.Get("X-Test-Signature") != testSignatureValue {
		return nil, &models.SignatureError{Provider: g.provider, Err: errors.New("signature mismatch")}
	}
	var body fakeWebhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if body.Type != "payment" {
		return nil, payment.ErrUnsupportedEvent
	}
	amount := body.Amount
	return &models.PaymentEvent{
		Provider:              g.provider,
		CorrelationID:         body.CorrelationID,
		Status:                body.Status,
		Amount:                &amount,
		Currency:              body.Currency,
		MethodRaw:             "card",
		ProviderTransactionID: "txn-" + body.CorrelationID,
	}, nil
}

func (g *fakeGateway) setStatus(correlationID, status string, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[correlationID] = status
	g.amounts[correlationID] = amount
}

type handlerEnv struct {
	store    *database.MemoryStore
	audit    *database.MemoryPaymentAuditLog
	stripe   *fakeGateway
	flutter  *fakeGateway
	jwt      *jwt.Service
	redis    *miniredis.Miniredis
	router   *gin.Engine
	schedule *models.Schedule

	userID  uuid.UUID
	otherID uuid.UUID
	adminID uuid.UUID
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := quietLogger()

	env := &handlerEnv{
		store:   database.NewMemoryStore(),
		audit:   database.NewMemoryPaymentAuditLog(),
		stripe:  newFakeGateway(models.ProviderStripe),
		flutter: newFakeGateway(models.ProviderFlutterwave),
		jwt:     jwt.NewService(testJWTSecret, time.Hour),
		redis:   miniredis.RunT(t),
		userID:  uuid.New(),
		otherID: uuid.New(),
		adminID: uuid.New(),
	}
	env.schedule = &models.Schedule{
		ID:           uuid.New(),
		Capacity:     4,
		BookedSeats:  models.SeatLabels{},
		PricePerSeat: 1500,
		Currency:     "LKR",
		DepartureAt:  time.Now().Add(48 * time.Hour),
	}
	env.store.PutSchedule(env.schedule)

	rdb := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gateways := payment.NewRegistry(env.stripe, env.flutter)
	retryCfg := services.RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond}
	holds := services.NewSeatHoldService(rdb, env.store, 10*time.Minute, logger)
	security := services.NewAuditService(nil, logger)

	allocator := services.NewSeatAllocationService(env.store, holds, nil, retryCfg, logger)
	resolver := services.NewReferenceResolver(env.store, logger)
	reconciler := services.NewReconciliationService(env.store, resolver, env.audit, nil, retryCfg, logger)
	initiator := services.NewPaymentInitiationService(env.store, gateways, env.audit, nil, retryCfg, time.Second, logger)
	verifier := services.NewPaymentVerificationService(env.store, gateways, reconciler, env.audit, time.Second, logger)
	expiration := services.NewExpirationService(env.store, allocator, reconciler, gateways, env.audit, services.ExpirationConfig{
		PendingTTL:      30 * time.Minute,
		ProcessingTTL:   45 * time.Minute,
		ProviderTimeout: time.Second,
	}, logger)
	cron := services.NewCronService(expiration, holds, security, services.DefaultCronSchedules(), 0, logger)

	bookingHandler := NewBookingHandler(allocator, env.store, logger)
	paymentHandler := NewPaymentHandler(initiator, verifier, logger)
	webhookHandler := NewWebhookHandler(gateways, reconciler, security, env.audit, logger)
	holdHandler := NewHoldHandler(holds, logger)
	adminHandler := NewAdminHandler(cron, env.store, env.audit, security, logger)

	auth := middleware.AuthMiddleware(env.jwt, logger)
	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.POST("/webhooks/:provider", webhookHandler.HandleWebhook)
	v1.POST("/bookings", auth, bookingHandler.CreateBooking)
	v1.GET("/bookings/:id", auth, bookingHandler.GetBooking)
	v1.POST("/bookings/:id/cancel", auth, bookingHandler.CancelBooking)
	v1.POST("/bookings/:id/payment", auth, paymentHandler.InitiatePayment)
	v1.POST("/bookings/:id/verify", auth, paymentHandler.VerifyPayment)
	v1.GET("/schedules/:id/availability", holdHandler.GetAvailability)
	v1.POST("/schedules/:id/holds", auth, holdHandler.HoldSeats)
	v1.DELETE("/schedules/:id/holds", auth, holdHandler.ReleaseHold)

	admin := v1.Group("/admin", auth, middleware.RequireRole(jwt.RoleAdmin))
	admin.POST("/sweep/run", adminHandler.RunSweep)
	admin.POST("/holds/prune", adminHandler.PruneHolds)
	admin.GET("/cron/status", adminHandler.GetCronStatus)
	admin.GET("/payments/mismatches", adminHandler.GetAmountMismatches)
	admin.GET("/bookings/:id/audit", adminHandler.GetBookingAuditTrail)
	admin.GET("/schedules/inconsistent", adminHandler.GetInconsistentSchedules)
	admin.GET("/users/:id/audit", adminHandler.GetUserAuditEvents)

	env.router = router
	return env
}

func (e *handlerEnv) token(t *testing.T, userID uuid.UUID, roles ...string) string {
	t.Helper()
	token, err := e.jwt.GenerateAccessToken(userID, roles)
	require.NoError(t, err)
	return token
}

// do sends a JSON request; token may be empty
func (e *handlerEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *handlerEnv) webhook(t *testing.T, provider models.PaymentProvider, signature string, body fakeWebhookBody) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+string(provider), bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Test-Signature", signature)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *handlerEnv) createBooking(t *testing.T, userID uuid.UUID, seats ...string) uuid.UUID {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/bookings", e.token(t, userID), bookingBody(e.schedule.ID, seats...))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var summary models.BookingSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	return summary.BookingID
}

func (e *handlerEnv) initiate(t *testing.T, bookingID uuid.UUID, provider models.PaymentProvider) models.CheckoutSession {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/bookings/"+bookingID.String()+"/payment", e.token(t, e.userID), paymentBody(provider))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var session models.CheckoutSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	return session
}

func (e *handlerEnv) booking(t *testing.T, id uuid.UUID) *models.Booking {
	t.Helper()
	b, err := e.store.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func bookingBody(scheduleID uuid.UUID, seats ...string) CreateBookingRequest {
	passengers := make([]models.Passenger, 0, len(seats))
	for i, s := range seats {
		passengers = append(passengers, models.Passenger{SeatLabel: s, Name: fmt.Sprintf("Passenger %d", i+1)})
	}
	return CreateBookingRequest{ScheduleID: scheduleID, Seats: seats, Passengers: passengers}
}

func paymentBody(provider models.PaymentProvider) InitiatePaymentRequest {
	return InitiatePaymentRequest{
		Provider: provider,
		Customer: models.CustomerContact{Name: "Nimal Perera", Email: "nimal@example.com", Phone: "0771234567"},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}
