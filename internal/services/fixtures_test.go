package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a scriptable payment.Gateway
type fakeGateway struct {
	mu        sync.Mutex
	provider  models.PaymentProvider
	createErr error
	onCreate  func(ctx context.Context) error // runs after the session is minted
	statuses  map[string]*models.PaymentEvent
	queryErr  error
	creates   int
	queries   int
	sessions  int
}

func newFakeGateway(provider models.PaymentProvider) *fakeGateway {
	return &fakeGateway{provider: provider, statuses: make(map[string]*models.PaymentEvent)}
}

func (g *fakeGateway) Provider() models.PaymentProvider { return g.provider }

func (g *fakeGateway) CreateCheckout(ctx context.Context, req *payment.CheckoutRequest) (*payment.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if g.createErr != nil {
		return nil, g.createErr
	}
	if g.onCreate != nil {
		if err := g.onCreate(ctx); err != nil {
			return nil, err
		}
	}

	// Stripe mints its own session id; Flutterwave echoes our tx_ref
	correlationID := req.CorrelationID
	if g.provider == models.ProviderStripe {
		g.sessions++
		correlationID = fmt.Sprintf("cs_test_%04d", g.sessions)
	}
	return &payment.Checkout{
		CorrelationID: correlationID,
		CheckoutURL:   "https://checkout.example/" + correlationID,
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, correlationID string) (*models.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	event, ok := g.statuses[correlationID]
	if !ok {
		return &models.PaymentEvent{Provider: g.provider, CorrelationID: correlationID, Status: "pending", Source: models.EventSourceVerify}, nil
	}
	c := *event
	return &c, nil
}

func (g *fakeGateway) ParseWebhook(_ []byte, _ http.Header) (*models.PaymentEvent, error) {
	return nil, payment.ErrUnsupportedEvent
}

func (g *fakeGateway) setStatus(correlationID, status string, amount float64, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[correlationID] = &models.PaymentEvent{
		Provider:              g.provider,
		CorrelationID:         correlationID,
		Status:                status,
		Amount:                &amount,
		Currency:              currency,
		MethodRaw:             "card",
		ProviderTransactionID: "txn-" + correlationID,
		Source:                models.EventSourceVerify,
	}
}

func (g *fakeGateway) calls() (creates, queries int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.queries
}

// recordingNotifier captures booking events synchronously
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeHolds is a static HoldChecker
type fakeHolds struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released int
}

func (h *fakeHolds) HeldByOthers(_ context.Context, _, _ uuid.UUID, seats []string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	var out []string
	for _, s := range seats {
		if h.held[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (h *fakeHolds) ReleaseHold(_ context.Context, _, _ uuid.UUID, _ []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	return nil
}

type testEnv struct {
	store      *database.MemoryStore
	audit      *database.MemoryPaymentAuditLog
	notifier   *recordingNotifier
	stripe     *fakeGateway
	flutter    *fakeGateway
	gateways   payment.Registry
	allocator  *SeatAllocationService
	resolver   *ReferenceResolver
	reconciler *ReconciliationService
	initiator  *PaymentInitiationService
	verifier   *PaymentVerificationService
	expiration *ExpirationService
	schedule   *models.Schedule
	userID     uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := quietLogger()

	env := &testEnv{
		store:    database.NewMemoryStore(),
		audit:    database.NewMemoryPaymentAuditLog(),
		notifier: &recordingNotifier{},
		stripe:   newFakeGateway(models.ProviderStripe),
		flutter:  newFakeGateway(models.ProviderFlutterwave),
		userID:   uuid.New(),
	}
	env.gateways = payment.NewRegistry(env.stripe, env.flutter)

	env.schedule = &models.Schedule{
		ID:           uuid.New(),
		Capacity:     4,
		BookedSeats:  models.SeatLabels{},
		PricePerSeat: 1500,
		Currency:     "LKR",
		DepartureAt:  time.Now().Add(48 * time.Hour),
	}
	env.store.PutSchedule(env.schedule)

	retryCfg := RetryConfig{MaxRetries: 5, InitialInterval: time.Millisecond}
	env.allocator = NewSeatAllocationService(env.store, nil, env.notifier, retryCfg, logger)
	env.resolver = NewReferenceResolver(env.store, logger)
	env.reconciler = NewReconciliationService(env.store, env.resolver, env.audit, env.notifier, retryCfg, logger)
	env.initiator = NewPaymentInitiationService(env.store, env.gateways, env.audit, env.notifier, retryCfg, time.Second, logger)
	env.verifier = NewPaymentVerificationService(env.store, env.gateways, env.reconciler, env.audit, time.Second, logger)
	env.expiration = NewExpirationService(env.store, env.allocator, env.reconciler, env.gateways, env.audit, ExpirationConfig{
		PendingTTL:      30 * time.Minute,
		ProcessingTTL:   45 * time.Minute,
		BatchSize:       10,
		ProviderTimeout: time.Second,
	}, logger)
	return env
}

func passengersFor(seats ...string) []models.Passenger {
	out := make([]models.Passenger, 0, len(seats))
	for i, s := range seats {
		out = append(out, models.Passenger{SeatLabel: s, Name: fmt.Sprintf("Passenger %d", i+1)})
	}
	return out
}

func (e *testEnv) book(t *testing.T, seats ...string) *models.Booking {
	t.Helper()
	booking, err := e.allocator.AllocateSeats(context.Background(), &AllocateSeatsRequest{
		ScheduleID: e.schedule.ID,
		UserID:     e.userID,
		Seats:      seats,
		Passengers: passengersFor(seats...),
	})
	require.NoError(t, err)
	return booking
}

func (e *testEnv) initiate(t *testing.T, bookingID uuid.UUID, provider models.PaymentProvider) *models.CheckoutSession {
	t.Helper()
	session, err := e.initiator.InitiatePayment(context.Background(), bookingID, e.userID, provider, validCustomer())
	require.NoError(t, err)
	return session
}

func (e *testEnv) currentSchedule(t *testing.T) *models.Schedule {
	t.Helper()
	s, err := e.store.GetSchedule(context.Background(), e.schedule.ID)
	require.NoError(t, err)
	return s
}

func (e *testEnv) currentBooking(t *testing.T, id uuid.UUID) *models.Booking {
	t.Helper()
	b, err := e.store.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (e *testEnv) auditTypes(t *testing.T, bookingID uuid.UUID) []models.PaymentEventType {
	t.Helper()
	entries, err := e.audit.GetByBookingID(context.Background(), bookingID)
	require.NoError(t, err)
	out := make([]models.PaymentEventType, 0, len(entries))
	for _, a := range entries {
		out = append(out, a.EventType)
	}
	return out
}

func validCustomer() models.CustomerContact {
	return models.CustomerContact{Name: "Nimal Perera", Email: "nimal@example.com", Phone: "0771234567"}
}

func successEvent(provider models.PaymentProvider, correlationID string, amount float64, currency string, source models.EventSource) *models.PaymentEvent {
	return &models.PaymentEvent{
		Provider:              provider,
		CorrelationID:         correlationID,
		Status:                "successful",
		Amount:                &amount,
		Currency:              currency,
		MethodRaw:             "card",
		ProviderTransactionID: "txn-" + correlationID,
		Source:                source,
		Raw:                   []byte(`{"status":"successful"}`),
		ReceivedAt:            time.Now(),
	}
}
