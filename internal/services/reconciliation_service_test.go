package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		status string
		signal models.SignalStatus
		known  bool
	}{
		{"paid", models.SignalSuccess, true},
		{"SUCCESSFUL", models.SignalSuccess, true},
		{" complete ", models.SignalSuccess, true},
		{"failed", models.SignalFailure, true},
		{"canceled", models.SignalFailure, true},
		{"expired", models.SignalFailure, true},
		{"open", models.SignalPending, true},
		{"unpaid", models.SignalPending, true},
		{"requires_action", models.SignalPending, false},
		{"", models.SignalPending, false},
	}

	for _, tt := range tests {
		signal, known := MapProviderStatus(tt.status)
		assert.Equal(t, tt.signal, signal, tt.status)
		assert.Equal(t, tt.known, known, tt.status)
	}
}

func TestReconcile_SuccessAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "A1", "A2")
	session := env.initiate(t, booking.ID, models.ProviderFlutterwave)

	event := successEvent(models.ProviderFlutterwave, session.CorrelationID, 3000, "lkr", models.EventSourceWebhook)
	outcome, err := env.reconciler.Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileApplied, outcome.Result)
	assert.Equal(t, models.SignalSuccess, outcome.Signal)

	paid := env.currentBooking(t, booking.ID)
	assert.Equal(t, models.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, models.BookingStatusConfirmed, paid.BookingStatus)
	assert.False(t, paid.AmountMismatch)
	assert.NotNil(t, paid.PaidAt)

	detail, err := env.store.GetPaymentDetail(context.Background(), booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MethodCard, detail.MethodClass)
	assert.Equal(t, "LKR", detail.Currency)

	// replay: ignored, record untouched
	replay := successEvent(models.ProviderFlutterwave, session.CorrelationID, 9999, "USD", models.EventSourceWebhook)
	replay.MethodRaw = "mobilemoneyghana"
	outcome, err = env.reconciler.Reconcile(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileIgnored, outcome.Result)

	again, err := env.store.GetPaymentDetail(context.Background(), booking.ID)
	require.NoError(t, err)
	assert.Equal(t, detail, again)
	assert.False(t, env.currentBooking(t, booking.ID).AmountMismatch)

	types := env.auditTypes(t, booking.ID)
	assert.Contains(t, types, models.PaymentEventSuccess)
	assert.Contains(t, types, models.PaymentEventDuplicate)
	assert.NotContains(t, types, models.PaymentEventReconciliationMismatch)
	assert.Equal(t, []string{notify.EventBookingConfirmed}, env.notifier.types())
}

func TestReconcile_FailureReleasesSeats(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "B1", "B2")
	session := env.initiate(t, booking.ID, models.ProviderStripe)

	outcome, err := env.reconciler.Reconcile(context.Background(), &models.PaymentEvent{
		Provider:      models.ProviderStripe,
		CorrelationID: session.CorrelationID,
		Status:        "expired",
		Source:        models.EventSourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileApplied, outcome.Result)

	failed := env.currentBooking(t, booking.ID)
	assert.Equal(t, models.PaymentStatusFailed, failed.PaymentStatus)
	assert.Equal(t, models.BookingStatusFailed, failed.BookingStatus)
	assert.True(t, failed.SeatsReleased)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, 4, env.currentSchedule(t).AvailableSeats)
	assert.Equal(t, []string{notify.EventBookingPaymentFailed}, env.notifier.types())

	// a late failure replay must not release twice
	_, err = env.reconciler.Reconcile(context.Background(), &models.PaymentEvent{
		Provider:      models.ProviderStripe,
		CorrelationID: session.CorrelationID,
		Status:        "failed",
		Source:        models.EventSourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, env.currentSchedule(t).AvailableSeats)
}

func TestReconcile_PendingOnlyRefreshes(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "C1")
	session := env.initiate(t, booking.ID, models.ProviderStripe)

	outcome, err := env.reconciler.Reconcile(context.Background(), &models.PaymentEvent{
		Provider:      models.ProviderStripe,
		CorrelationID: session.CorrelationID,
		Status:        "requires_action",
		Source:        models.EventSourceVerify,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileApplied, outcome.Result)
	assert.Equal(t, models.SignalPending, outcome.Signal)

	current := env.currentBooking(t, booking.ID)
	assert.Equal(t, models.PaymentStatusProcessing, current.PaymentStatus)
	assert.NotNil(t, current.LastSignalAt)
}

func TestReconcile_AmountMismatchIsFlagged(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "A3")
	session := env.initiate(t, booking.ID, models.ProviderFlutterwave)

	_, err := env.reconciler.Reconcile(context.Background(),
		successEvent(models.ProviderFlutterwave, session.CorrelationID, 15.00, "LKR", models.EventSourceWebhook))
	require.NoError(t, err)

	paid := env.currentBooking(t, booking.ID)
	assert.Equal(t, models.PaymentStatusPaid, paid.PaymentStatus)
	assert.True(t, paid.AmountMismatch)

	mismatches, err := env.audit.GetAmountMismatches(context.Background(), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, mismatches)
	assert.Contains(t, env.auditTypes(t, booking.ID), models.PaymentEventReconciliationMismatch)
}

func TestReconcile_Unresolvable(t *testing.T) {
	env := newTestEnv(t)

	outcome, err := env.reconciler.Reconcile(context.Background(),
		successEvent(models.ProviderStripe, "cs_test_unknown", 100, "LKR", models.EventSourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileNotFound, outcome.Result)
	assert.Nil(t, outcome.Booking)
	assert.Empty(t, env.notifier.types())
}

func TestReconcile_EchoedBookingIDMustMatchCorrelation(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "A1")
	env.initiate(t, booking.ID, models.ProviderStripe)

	id := booking.ID
	event := successEvent(models.ProviderStripe, "cs_test_forged", 1500, "LKR", models.EventSourceWebhook)
	event.BookingID = &id

	outcome, err := env.reconciler.Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileNotFound, outcome.Result)
	assert.Equal(t, models.PaymentStatusProcessing, env.currentBooking(t, booking.ID).PaymentStatus)

	// same id from the other provider
	other := successEvent(models.ProviderFlutterwave, "", 1500, "LKR", models.EventSourceWebhook)
	other.BookingID = &id
	outcome, err = env.reconciler.Reconcile(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileNotFound, outcome.Result)
}

func TestReconcile_SuccessAfterExpiryNeedsReview(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "D1")
	session := env.initiate(t, booking.ID, models.ProviderFlutterwave)

	expired, _, err := env.allocator.ExpireBooking(context.Background(), booking.ID, "window closed")
	require.NoError(t, err)
	require.True(t, expired)

	outcome, err := env.reconciler.Reconcile(context.Background(),
		successEvent(models.ProviderFlutterwave, session.CorrelationID, 1500, "LKR", models.EventSourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileIgnored, outcome.Result)
	assert.Equal(t, models.PaymentStatusExpired, env.currentBooking(t, booking.ID).PaymentStatus)
	assert.Contains(t, env.auditTypes(t, booking.ID), models.PaymentEventReconciliationMismatch)

	_, err = env.store.GetPaymentDetail(context.Background(), booking.ID)
	assert.True(t, models.IsNotFound(err))
}

func TestReconcile_WebhookAndVerifyRace(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "A1", "A2")
	session := env.initiate(t, booking.ID, models.ProviderStripe)
	env.stripe.setStatus(session.CorrelationID, "paid", 3000, "LKR")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []models.ReconcileResult
	)
	record := func(o *ReconcileOutcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		outcomes = append(outcomes, o.Result)
	}

	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			record(env.reconciler.Reconcile(context.Background(),
				successEvent(models.ProviderStripe, session.CorrelationID, 3000, "LKR", models.EventSourceWebhook)))
		}()
		go func() {
			defer wg.Done()
			record(env.verifier.Verify(context.Background(), booking.ID, env.userID))
		}()
	}
	wg.Wait()

	applied := 0
	for _, r := range outcomes {
		if r == models.ReconcileApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{notify.EventBookingConfirmed}, env.notifier.types())
	assert.Equal(t, models.PaymentStatusPaid, env.currentBooking(t, booking.ID).PaymentStatus)
}

func TestReconcile_RetriesTransientConflicts(t *testing.T) {
	env := newTestEnv(t)
	booking := env.book(t, "A1")
	session := env.initiate(t, booking.ID, models.ProviderStripe)

	env.store.InjectConflicts(3)
	outcome, err := env.reconciler.Reconcile(context.Background(),
		successEvent(models.ProviderStripe, session.CorrelationID, 1500, "LKR", models.EventSourceWebhook))
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileApplied, outcome.Result)
}

func TestReconcile_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.reconciler.Reconcile(context.Background(), nil)
	assert.Error(t, err)

	_, err = env.reconciler.Reconcile(context.Background(), &models.PaymentEvent{Provider: "paypal", CorrelationID: "x"})
	assert.Error(t, err)
}

func TestReferenceResolver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("Provider correlation column", func(t *testing.T) {
		booking := env.book(t, "A1")
		session := env.initiate(t, booking.ID, models.ProviderStripe)

		found, err := env.resolver.ResolveBooking(ctx, models.ProviderStripe, session.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, booking.ID, found.ID)
	})

	t.Run("Minted reference for a Stripe booking", func(t *testing.T) {
		booking := env.book(t, "A2")
		env.initiate(t, booking.ID, models.ProviderStripe)
		stored := env.currentBooking(t, booking.ID)
		require.NotNil(t, stored.PaymentReference)

		found, err := env.resolver.ResolveBooking(ctx, models.ProviderFlutterwave, *stored.PaymentReference)
		require.NoError(t, err)
		assert.Equal(t, booking.ID, found.ID)
	})

	t.Run("Prefix heuristic refuses a different suffix", func(t *testing.T) {
		booking := env.book(t, "A3")
		forged := "BK-" + booking.ID.String()[:8] + "-deadbeef"

		_, err := env.resolver.ResolveBooking(ctx, models.ProviderFlutterwave, forged)
		assert.True(t, models.IsNotFound(err))
	})

	t.Run("Empty id", func(t *testing.T) {
		_, err := env.resolver.ResolveBooking(ctx, models.ProviderStripe, "")
		assert.True(t, models.IsNotFound(err))
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := env.resolver.ResolveBooking(ctx, models.ProviderStripe, "cs_live_"+uuid.NewString())
		assert.True(t, models.IsNotFound(err))
	})
}

func TestReconcile_LastSignalAt(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	env.reconciler.now = func() time.Time { return fixed }

	booking := env.book(t, "B3")
	session := env.initiate(t, booking.ID, models.ProviderFlutterwave)

	_, err := env.reconciler.Reconcile(context.Background(), &models.PaymentEvent{
		Provider:      models.ProviderFlutterwave,
		CorrelationID: session.CorrelationID,
		Status:        "pending",
		Source:        models.EventSourceVerify,
	})
	require.NoError(t, err)

	current := env.currentBooking(t, booking.ID)
	require.NotNil(t, current.LastSignalAt)
	assert.True(t, current.LastSignalAt.Equal(fixed))
}
