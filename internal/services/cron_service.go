package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronSchedules holds the cron specs (with seconds) for the background jobs
type CronSchedules struct {
	Sweep        string
	HoldPrune    string
	AuditCleanup string
}

// DefaultCronSchedules sweeps every minute, prunes holds every five minutes
// and trims the audit trails daily at 3 AM
func DefaultCronSchedules() CronSchedules {
	return CronSchedules{
		Sweep:        "0 * * * * *",
		HoldPrune:    "30 */5 * * * *",
		AuditCleanup: "0 0 3 * * *",
	}
}

// CronService manages scheduled background jobs
type CronService struct {
	cron           *cron.Cron
	expiration     *ExpirationService
	holds          *SeatHoldService // nil when Redis is disabled
	audit          *AuditService
	schedules      CronSchedules
	auditRetention time.Duration
	jobTimeout     time.Duration
	logger         *logrus.Logger
}

// NewCronService creates a new CronService
func NewCronService(
	expiration *ExpirationService,
	holds *SeatHoldService,
	audit *AuditService,
	schedules CronSchedules,
	auditRetention time.Duration,
	logger *logrus.Logger,
) *CronService {
	defaults := DefaultCronSchedules()
	if schedules.Sweep == "" {
		schedules.Sweep = defaults.Sweep
	}
	if schedules.HoldPrune == "" {
		schedules.HoldPrune = defaults.HoldPrune
	}
	if schedules.AuditCleanup == "" {
		schedules.AuditCleanup = defaults.AuditCleanup
	}

	return &CronService{
		cron:           cron.New(cron.WithSeconds()),
		expiration:     expiration,
		holds:          holds,
		audit:          audit,
		schedules:      schedules,
		auditRetention: auditRetention,
		jobTimeout:     5 * time.Minute,
		logger:         logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	// Job 1: expire stale unpaid bookings
	if _, err := s.cron.AddFunc(s.schedules.Sweep, s.sweepJob); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	s.logger.WithField("schedule", s.schedules.Sweep).Info("Scheduled: booking expiry sweep")

	// Job 2: drop expired seat holds
	if s.holds != nil {
		if _, err := s.cron.AddFunc(s.schedules.HoldPrune, s.pruneHoldsJob); err != nil {
			return fmt.Errorf("failed to schedule hold pruning: %w", err)
		}
		s.logger.WithField("schedule", s.schedules.HoldPrune).Info("Scheduled: seat hold pruning")
	}

	// Job 3: trim payment and security audit trails
	if s.auditRetention > 0 {
		if _, err := s.cron.AddFunc(s.schedules.AuditCleanup, s.auditCleanupJob); err != nil {
			return fmt.Errorf("failed to schedule audit cleanup: %w", err)
		}
		s.logger.WithFields(logrus.Fields{
			"schedule":  s.schedules.AuditCleanup,
			"retention": s.auditRetention,
		}).Info("Scheduled: audit cleanup")
	}

	s.cron.Start()
	s.logger.Info("Cron service started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

func (s *CronService) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	stats := s.expiration.RunOnce(ctx)
	if stats.Skipped {
		s.logger.Debug("[CRON] Expiry sweep skipped, previous run still active")
	}
}

func (s *CronService) pruneHoldsJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	if _, err := s.holds.PruneExpired(ctx); err != nil {
		s.logger.WithError(err).Error("[CRON] Failed to prune seat holds")
	}
}

func (s *CronService) auditCleanupJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()
	start := time.Now()

	payments, err := s.expiration.CleanupAuditTrail(ctx, s.auditRetention)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Failed to clean up payment audits")
	}

	var security int64
	if s.audit != nil {
		security, err = s.audit.CleanupOldAuditLogs(s.auditRetention)
		if err != nil {
			s.logger.WithError(err).Error("[CRON] Failed to clean up security audit logs")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"payment_audits": payments,
		"audit_logs":     security,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("[CRON] Audit cleanup finished")
}

// RunSweepNow runs the expiry sweep immediately (admin trigger)
func (s *CronService) RunSweepNow(ctx context.Context) SweepStats {
	s.logger.Info("[MANUAL] Running expiry sweep now...")
	return s.expiration.RunOnce(ctx)
}

// RunPruneHoldsNow prunes expired seat holds immediately (admin trigger)
func (s *CronService) RunPruneHoldsNow(ctx context.Context) (int64, error) {
	if s.holds == nil {
		return 0, nil
	}
	return s.holds.PruneExpired(ctx)
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	status := map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
	if last := s.expiration.LastRun(); last != nil {
		status["last_sweep"] = last
	}
	return status
}
