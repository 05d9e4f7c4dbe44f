package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "A1")

	t.Run("No session yet", func(t *testing.T) {
		outcome, err := env.verifier.Verify(context.Background(), booking.ID, env.userID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconcileIgnored, outcome.Result)
		_, queries := env.stripe.calls()
		assert.Zero(t, queries)
	})

	session := env.initiate(t, booking.ID, models.ProviderStripe)

	t.Run("Still open", func(t *testing.T) {
		outcome, err := env.verifier.Verify(context.Background(), booking.ID, env.userID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconcileApplied, outcome.Result)
		assert.Equal(t, models.SignalPending, outcome.Signal)
		assert.Equal(t, models.PaymentStatusProcessing, outcome.Booking.PaymentStatus)
	})

	t.Run("Paid", func(t *testing.T) {
		env.stripe.setStatus(session.CorrelationID, "paid", 1500, "lkr")
		outcome, err := env.verifier.Verify(context.Background(), booking.ID, env.userID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconcileApplied, outcome.Result)
		assert.Equal(t, models.PaymentStatusPaid, outcome.Booking.PaymentStatus)
		assert.Contains(t, env.auditTypes(t, booking.ID), models.PaymentEventStatusCheck)
	})

	t.Run("Terminal skips provider", func(t *testing.T) {
		_, before := env.stripe.calls()
		outcome, err := env.verifier.Verify(context.Background(), booking.ID, env.userID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconcileIgnored, outcome.Result)
		_, after := env.stripe.calls()
		assert.Equal(t, before, after)
	})

	t.Run("Other user", func(t *testing.T) {
		_, err := env.verifier.Verify(context.Background(), booking.ID, env.schedule.ID)
		assert.True(t, models.IsNotFound(err))
	})
}

func TestVerify_ProviderError(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "A1")
	env.initiate(t, booking.ID, models.ProviderFlutterwave)
	env.flutter.queryErr = &models.ExternalProviderError{Provider: models.ProviderFlutterwave, Err: errors.New("502")}

	_, err := env.verifier.Verify(context.Background(), booking.ID, env.userID)
	var providerErr *models.ExternalProviderError
	assert.True(t, errors.As(err, &providerErr))
	assert.Equal(t, models.PaymentStatusProcessing, env.currentBooking(t, booking.ID).PaymentStatus)
}

func TestExpirationSweep(t *testing.T) {
	env := newTestEnv(t)

	unpaid := env.book(t, "A1")
	paidLate := env.book(t, "A2")
	abandoned := env.book(t, "A3")

	paidSession := env.initiate(t, paidLate.ID, models.ProviderStripe)
	env.initiate(t, abandoned.ID, models.ProviderFlutterwave)
	env.stripe.setStatus(paidSession.CorrelationID, "paid", 1500, "LKR")

	// nothing is stale yet
	stats := env.expiration.RunOnce(context.Background())
	assert.Zero(t, stats.PendingExpired+stats.ProcessingExpired+stats.Reconciled)
	assert.Equal(t, 1, env.currentSchedule(t).AvailableSeats)

	env.expiration.now = func() time.Time { return time.Now().Add(time.Hour) }
	stats = env.expiration.RunOnce(context.Background())

	assert.Equal(t, 1, stats.PendingExpired)
	assert.Equal(t, 1, stats.ProcessingExpired)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Zero(t, stats.Errors)
	assert.False(t, stats.Skipped)

	assert.Equal(t, models.PaymentStatusExpired, env.currentBooking(t, unpaid.ID).PaymentStatus)
	assert.Equal(t, models.PaymentStatusPaid, env.currentBooking(t, paidLate.ID).PaymentStatus)
	assert.Equal(t, models.PaymentStatusExpired, env.currentBooking(t, abandoned.ID).PaymentStatus)

	schedule := env.currentSchedule(t)
	assert.Equal(t, []string{"A2"}, []string(schedule.BookedSeats))
	assert.Equal(t, 3, schedule.AvailableSeats)
	assert.True(t, schedule.InventoryConsistent())

	assert.Contains(t, env.auditTypes(t, unpaid.ID), models.PaymentEventExpired)
	assert.ElementsMatch(t, []string{
		notify.EventBookingExpired,
		notify.EventBookingConfirmed,
		notify.EventBookingExpired,
	}, env.notifier.types())

	last := env.expiration.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Reconciled)

	// a second pass finds nothing
	stats = env.expiration.RunOnce(context.Background())
	assert.Zero(t, stats.PendingExpired+stats.ProcessingExpired+stats.Reconciled)
}

func TestExpirationSweep_ProviderDown(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "B1")
	env.initiate(t, booking.ID, models.ProviderStripe)
	env.stripe.queryErr = errors.New("connection reset")

	env.expiration.now = func() time.Time { return time.Now().Add(time.Hour) }
	stats := env.expiration.RunOnce(context.Background())

	assert.Equal(t, 1, stats.ProcessingExpired)
	assert.Equal(t, models.PaymentStatusExpired, env.currentBooking(t, booking.ID).PaymentStatus)
	assert.Equal(t, 4, env.currentSchedule(t).AvailableSeats)
}

// closingGateway is a Stripe-like gateway that can expire open sessions
type closingGateway struct {
	*fakeGateway
	closed   []string
	closeErr error
	onClose  func(correlationID string)
}

func (g *closingGateway) CloseCheckout(_ context.Context, correlationID string) error {
	if g.onClose != nil {
		g.onClose(correlationID)
	}
	if g.closeErr != nil {
		return g.closeErr
	}
	g.closed = append(g.closed, correlationID)
	return nil
}

func TestExpirationSweep_ClosesOpenCheckout(t *testing.T) {
	env := newTestEnv(t)
	closer := &closingGateway{fakeGateway: env.stripe}
	env.gateways[models.ProviderStripe] = closer

	booking := env.book(t, "B1")
	session := env.initiate(t, booking.ID, models.ProviderStripe)

	env.expiration.now = func() time.Time { return time.Now().Add(time.Hour) }
	stats := env.expiration.RunOnce(context.Background())

	assert.Equal(t, 1, stats.ProcessingExpired)
	assert.Equal(t, []string{session.CorrelationID}, closer.closed)
	assert.Equal(t, models.PaymentStatusExpired, env.currentBooking(t, booking.ID).PaymentStatus)
}

func TestExpirationSweep_PaidWhileClosing(t *testing.T) {
	env := newTestEnv(t)
	closer := &closingGateway{fakeGateway: env.stripe, closeErr: errors.New("session is complete")}
	env.gateways[models.ProviderStripe] = closer

	booking := env.book(t, "B1")
	session := env.initiate(t, booking.ID, models.ProviderStripe)
	// the customer pays between the first status query and the close attempt
	closer.onClose = func(id string) { env.stripe.setStatus(id, "paid", 1500, "LKR") }

	env.expiration.now = func() time.Time { return time.Now().Add(time.Hour) }
	stats := env.expiration.RunOnce(context.Background())

	assert.Zero(t, stats.ProcessingExpired)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Empty(t, closer.closed)

	current := env.currentBooking(t, booking.ID)
	assert.Equal(t, models.PaymentStatusPaid, current.PaymentStatus)
	assert.Equal(t, session.CorrelationID, *current.StripeSessionID)
	assert.Equal(t, []string{"B1"}, []string(env.currentSchedule(t).BookedSeats))
}

func TestExpirationSweep_SkipsOverlappingRuns(t *testing.T) {
	env := newTestEnv(t)
	env.expiration.running.Store(true)

	stats := env.expiration.RunOnce(context.Background())
	assert.True(t, stats.Skipped)
	assert.Nil(t, env.expiration.LastRun())
}

func TestCleanupAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "C1")
	env.initiate(t, booking.ID, models.ProviderStripe)

	env.expiration.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	removed, err := env.expiration.CleanupAuditTrail(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Empty(t, env.auditTypes(t, booking.ID))
}
