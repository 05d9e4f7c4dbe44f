package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
)

// ExpirationConfig holds the payment windows enforced by the sweep
type ExpirationConfig struct {
	PendingTTL      time.Duration // unpaid booking with no checkout session
	ProcessingTTL   time.Duration // checkout opened but no terminal signal
	BatchSize       int
	ProviderTimeout time.Duration
}

// SweepStats summarises one sweep run
type SweepStats struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	PendingExpired    int           `json:"pending_expired"`
	ProcessingExpired int           `json:"processing_expired"`
	Reconciled        int           `json:"reconciled"`
	Errors            int           `json:"errors"`
	Skipped           bool          `json:"skipped"`
}

// ExpirationService expires stale unpaid bookings and returns their seats.
// Processing bookings are checked with the provider first so a lost webhook
// never expires a paid booking.
type ExpirationService struct {
	store      database.Store
	allocator  *SeatAllocationService
	reconciler *ReconciliationService
	gateways   payment.Registry
	audit      database.PaymentAuditLog
	config     ExpirationConfig
	logger     *logrus.Logger
	now        func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	lastRun *SweepStats
}

// NewExpirationService creates a new expiration service
func NewExpirationService(
	store database.Store,
	allocator *SeatAllocationService,
	reconciler *ReconciliationService,
	gateways payment.Registry,
	audit database.PaymentAuditLog,
	config ExpirationConfig,
	logger *logrus.Logger,
) *ExpirationService {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 30 * time.Second
	}
	return &ExpirationService{
		store:      store,
		allocator:  allocator,
		reconciler: reconciler,
		gateways:   gateways,
		audit:      audit,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// RunOnce runs a single sweep. Overlapping calls return immediately with Skipped set.
func (s *ExpirationService) RunOnce(ctx context.Context) SweepStats {
	stats := SweepStats{StartedAt: s.now()}
	if !s.running.CompareAndSwap(false, true) {
		stats.Skipped = true
		return stats
	}
	defer s.running.Store(false)

	// 1. Processing bookings past their window: ask the provider, expire if still open
	if s.config.ProcessingTTL > 0 {
		cutoff := stats.StartedAt.Add(-s.config.ProcessingTTL)
		stale, err := s.store.ListStaleBookings(ctx, models.PaymentStatusProcessing, cutoff, s.config.BatchSize)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list stale processing bookings")
			stats.Errors++
		}
		for _, booking := range stale {
			s.sweepProcessing(ctx, booking, &stats)
		}
	}

	// 2. Pending bookings that never opened a checkout
	if s.config.PendingTTL > 0 {
		cutoff := stats.StartedAt.Add(-s.config.PendingTTL)
		stale, err := s.store.ListStaleBookings(ctx, models.PaymentStatusPending, cutoff, s.config.BatchSize)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list stale pending bookings")
			stats.Errors++
		}
		for _, booking := range stale {
			if s.expire(ctx, booking, "payment not started before the booking window closed", &stats) {
				stats.PendingExpired++
			}
		}
	}

	stats.Duration = time.Since(stats.StartedAt)
	s.mu.Lock()
	last := stats
	s.lastRun = &last
	s.mu.Unlock()

	if stats.PendingExpired+stats.ProcessingExpired+stats.Reconciled+stats.Errors > 0 {
		s.logger.WithFields(logrus.Fields{
			"pending_expired":    stats.PendingExpired,
			"processing_expired": stats.ProcessingExpired,
			"reconciled":         stats.Reconciled,
			"errors":             stats.Errors,
			"duration_ms":        stats.Duration.Milliseconds(),
		}).Info("Booking expiry sweep finished")
	}
	return stats
}

func (s *ExpirationService) sweepProcessing(ctx context.Context, booking *models.Booking, stats *SweepStats) {
	log := s.logger.WithField("booking_id", booking.ID)

	if s.reconcileFromProvider(ctx, booking, stats) {
		return
	}

	// Close the hosted checkout so it cannot be paid after the seats go back on sale.
	// When the provider refuses, the session may have just been paid: look once more.
	if err := s.closeCheckout(ctx, booking); err != nil {
		log.WithError(err).Warn("Could not close provider checkout before expiring")
		if s.reconcileFromProvider(ctx, booking, stats) {
			return
		}
	}

	if s.expire(ctx, booking, "payment not completed before the checkout window closed", stats) {
		stats.ProcessingExpired++
	}
}

// reconcileFromProvider applies a settled provider status. It reports whether the booking was handled.
func (s *ExpirationService) reconcileFromProvider(ctx context.Context, booking *models.Booking, stats *SweepStats) bool {
	if s.gateways == nil || s.reconciler == nil {
		return false
	}
	log := s.logger.WithField("booking_id", booking.ID)

	event, err := QueryProvider(ctx, s.gateways, booking, s.config.ProviderTimeout)
	if err != nil {
		log.WithError(err).Warn("Provider status query failed during sweep, expiring on local state")
		return false
	}
	if signal, _ := MapProviderStatus(event.Status); signal == models.SignalPending {
		return false
	}

	event.Source = models.EventSourceSweep
	if _, err := s.reconciler.Reconcile(ctx, event); err != nil {
		log.WithError(err).Error("Failed to reconcile provider status during sweep")
		stats.Errors++
		return true
	}
	stats.Reconciled++
	return true
}

func (s *ExpirationService) closeCheckout(ctx context.Context, booking *models.Booking) error {
	if s.gateways == nil || booking.Provider == nil {
		return nil
	}
	gateway, ok := s.gateways.Get(*booking.Provider)
	if !ok {
		return nil
	}
	closer, ok := gateway.(payment.CheckoutCloser)
	if !ok {
		return nil
	}
	correlationID := booking.CorrelationFor(*booking.Provider)
	if correlationID == "" {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()
	return closer.CloseCheckout(callCtx, correlationID)
}

func (s *ExpirationService) expire(ctx context.Context, booking *models.Booking, reason string, stats *SweepStats) bool {
	expired, updated, err := s.allocator.ExpireBooking(ctx, booking.ID, reason)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).Error("Failed to expire booking")
		stats.Errors++
		return false
	}
	if !expired {
		return false
	}

	if s.audit != nil {
		entry := models.NewPaymentAudit(models.PaymentEventExpired, models.PaymentSourceSweep).
			SetBooking(updated.ID).
			SetError(reason)
		if updated.Provider != nil {
			entry.SetCorrelation(*updated.Provider, updated.CorrelationID())
		}
		if err := s.audit.Log(ctx, entry); err != nil {
			s.logger.WithError(err).Error("Failed to write payment audit entry")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": updated.ID,
		"seats":      updated.Seats,
	}).Info("Booking expired and seats released")
	return true
}

// LastRun returns the stats of the most recent completed sweep
func (s *ExpirationService) LastRun() *SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	c := *s.lastRun
	return &c
}

// CleanupAuditTrail removes payment audit rows older than retention. Mismatch rows are kept.
func (s *ExpirationService) CleanupAuditTrail(ctx context.Context, retention time.Duration) (int64, error) {
	if s.audit == nil || retention <= 0 {
		return 0, nil
	}
	return s.audit.CleanupOlderThan(ctx, s.now().Add(-retention))
}
