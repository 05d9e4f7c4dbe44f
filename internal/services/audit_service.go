package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

// Security audit actions
const (
	AuditActionSignatureRejected = "webhook_signature_rejected"
	AuditActionRateLimited       = "rate_limit_violation"
	AuditActionSuspicious        = "suspicious_activity"
	AuditActionAdmin             = "admin_action"
)

// AuditService records security events (rejected webhooks, throttled clients,
// admin operations) in audit_logs. Payment lifecycle events live in payment_audits instead.
// A nil db keeps events in the application log only.
type AuditService struct {
	db     database.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewAuditService creates a new audit service
func NewAuditService(db database.DB, logger *logrus.Logger) *AuditService {
	return &AuditService{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// AuditEvent represents a security event to be logged
type AuditEvent struct {
	UserID     *uuid.UUID // nil for unauthenticated callers such as webhooks
	Action     string
	EntityType string // "webhook", "booking", "rate_limit", "admin"
	EntityID   *uuid.UUID
	IPAddress  string
	UserAgent  string
	Details    map[string]interface{}
}

// AuditRecord is one row read back from audit_logs
type AuditRecord struct {
	Action     string          `db:"action" json:"action"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   *uuid.UUID      `db:"entity_id" json:"entity_id,omitempty"`
	IPAddress  string          `db:"ip_address" json:"ip_address"`
	UserAgent  string          `db:"user_agent" json:"user_agent"`
	Details    json.RawMessage `db:"details" json:"details"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// LogSignatureFailure records a webhook delivery whose signature did not verify
func (s *AuditService) LogSignatureFailure(provider, reason, ipAddress, userAgent string) error {
	return s.logEvent(AuditEvent{
		Action:     AuditActionSignatureRejected,
		EntityType: "webhook",
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details: map[string]interface{}{
			"provider":    provider,
			"reason":      reason,
			"device_info": utils.ParseUserAgent(userAgent),
		},
	})
}

// LogRateLimitViolation records a client that exhausted its token bucket
func (s *AuditService) LogRateLimitViolation(userID *uuid.UUID, scope, key, ipAddress, userAgent string, retryAfter time.Time) error {
	return s.logEvent(AuditEvent{
		UserID:     userID,
		Action:     AuditActionRateLimited,
		EntityType: "rate_limit",
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details: map[string]interface{}{
			"scope":       scope,
			"key":         key,
			"retry_after": retryAfter,
			"device_info": utils.ParseUserAgent(userAgent),
		},
	})
}

// LogSuspiciousActivity logs suspicious security events, e.g. a user probing another user's booking
func (s *AuditService) LogSuspiciousActivity(userID *uuid.UUID, activity, ipAddress, userAgent string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["activity"] = activity
	details["device_info"] = utils.ParseUserAgent(userAgent)

	return s.logEvent(AuditEvent{
		UserID:     userID,
		Action:     AuditActionSuspicious,
		EntityType: "security",
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details:    details,
	})
}

// LogAdminAction records an operator-triggered maintenance operation
func (s *AuditService) LogAdminAction(userID uuid.UUID, operation, ipAddress, userAgent string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["operation"] = operation

	return s.logEvent(AuditEvent{
		UserID:     &userID,
		Action:     AuditActionAdmin,
		EntityType: "admin",
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Details:    details,
	})
}

// logEvent writes to the audit_logs table
func (s *AuditService) logEvent(event AuditEvent) error {
	fields := logrus.Fields{
		"action":      event.Action,
		"entity_type": event.EntityType,
		"ip":          event.IPAddress,
	}
	if event.UserID != nil {
		fields["user_id"] = *event.UserID
	}

	if s.db == nil {
		s.logger.WithFields(fields).Warn("Security event")
		return nil
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	query := `
		INSERT INTO audit_logs (user_id, action, entity_type, entity_id, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.Exec(
		query,
		event.UserID,
		event.Action,
		event.EntityType,
		event.EntityID,
		event.IPAddress,
		event.UserAgent,
		details,
		s.now(),
	)
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("Failed to write security audit event")
		return fmt.Errorf("failed to log audit event: %w", err)
	}

	s.logger.WithFields(fields).Debug("Security event logged")
	return nil
}

// GetRecentEvents retrieves recent audit events for a user
func (s *AuditService) GetRecentEvents(userID uuid.UUID, limit int) ([]AuditRecord, error) {
	if s.db == nil {
		return []AuditRecord{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT action, entity_type, entity_id, ip_address, user_agent, details, created_at
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	events := []AuditRecord{}
	if err := s.db.Select(&events, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return events, nil
}

// CleanupOldAuditLogs removes audit logs older than the specified duration
func (s *AuditService) CleanupOldAuditLogs(olderThan time.Duration) (int64, error) {
	if s.db == nil || olderThan <= 0 {
		return 0, nil
	}

	result, err := s.db.Exec(`DELETE FROM audit_logs WHERE created_at < $1`, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old audit logs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}
