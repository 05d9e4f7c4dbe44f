package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/services"
)

// auditWriter wraps the security and payment audit trails so a failed audit write
// is logged and never fails the request
type auditWriter struct {
	security *services.AuditService
	payments database.PaymentAuditLog
	logger   *logrus.Logger
}

func logAuditError(logger *logrus.Logger, operation string, err error) {
	if err != nil {
		logger.WithError(err).WithField("operation", operation).Error("AUDIT ERROR")
	}
}

func (a auditWriter) safeLogSignatureFailure(provider models.PaymentProvider, reason, ipAddress, userAgent string) {
	if a.security == nil {
		return
	}
	logAuditError(a.logger, "LogSignatureFailure", a.security.LogSignatureFailure(string(provider), reason, ipAddress, userAgent))
}

func (a auditWriter) safeLogAdminAction(userID uuid.UUID, operation, ipAddress, userAgent string, details map[string]interface{}) {
	if a.security == nil {
		return
	}
	logAuditError(a.logger, "LogAdminAction", a.security.LogAdminAction(userID, operation, ipAddress, userAgent, details))
}

func (a auditWriter) safeLogPayment(ctx context.Context, entry *models.PaymentAudit) {
	if a.payments == nil {
		return
	}
	// The request may already be cancelled by the time the audit row is written
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	logAuditError(a.logger, "PaymentAudit."+string(entry.EventType), a.payments.Log(ctx, entry))
}
