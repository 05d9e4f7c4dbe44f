package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

// maxWebhookBody caps the payload read before signature verification
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider payment notifications.
// The signature is verified over the exact raw bytes before anything is parsed.
type WebhookHandler struct {
	gateways   payment.Registry
	reconciler *services.ReconciliationService
	audit      auditWriter
	logger     *logrus.Logger
}

// NewWebhookHandler creates a new WebhookHandler. security and payments may be nil.
func NewWebhookHandler(
	gateways payment.Registry,
	reconciler *services.ReconciliationService,
	security *services.AuditService,
	payments database.PaymentAuditLog,
	logger *logrus.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		gateways:   gateways,
		reconciler: reconciler,
		audit:      auditWriter{security: security, payments: payments, logger: logger},
		logger:     logger,
	}
}

// HandleWebhook verifies and applies a provider notification
// @Summary Payment provider webhook
// @Description Stripe (Stripe-Signature) and Flutterwave (flutterwave-signature) notifications. Redeliveries are acknowledged without effect.
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param provider path string true "stripe or flutterwave"
// @Success 200 {object} map[string]interface{} "Acknowledged"
// @Failure 401 {object} map[string]interface{} "Invalid signature"
// @Failure 503 {object} map[string]interface{} "Retry later"
// @Router /api/v1/webhooks/{provider} [post]
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	provider := models.PaymentProvider(c.Param("provider"))
	ip := utils.GetRealIP(c)
	log := h.logger.WithFields(logrus.Fields{
		"provider": provider,
		"ip":       ip,
	})

	// 1. Known, enabled provider
	gateway, ok := h.gateways.Get(provider)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown payment provider", "code": "UNKNOWN_PROVIDER"})
		return
	}

	// 2. Raw body, untouched
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		log.WithError(err).Warn("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Unreadable request body", "code": "VALIDATION_FAILED"})
		return
	}

	// 3. Authenticate and normalise
	event, err := gateway.ParseWebhook(body, c.Request.Header)
	if err != nil {
		var sigErr *models.SignatureError
		switch {
		case errors.As(err, &sigErr):
			log.WithError(err).Warn("Webhook signature rejected")
			h.audit.safeLogSignatureFailure(provider, err.Error(), ip, utils.GetUserAgent(c))
			h.audit.safeLogPayment(c.Request.Context(), models.NewPaymentAudit(models.PaymentEventSignatureRejected, models.PaymentSourceWebhook).
				SetCorrelation(provider, "").
				SetError(err.Error()).
				SetIPAddress(ip))
			respondError(c, h.logger, err)
		case errors.Is(err, payment.ErrUnsupportedEvent):
			log.Debug("Webhook event type ignored")
			c.JSON(http.StatusOK, gin.H{"received": true, "result": "unsupported_event"})
		default:
			log.WithError(err).Warn("Malformed webhook payload")
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Malformed webhook payload", "code": "VALIDATION_FAILED"})
		}
		return
	}

	event.Source = models.EventSourceWebhook
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	if event.Raw == nil {
		event.Raw = body
	}

	h.audit.safeLogPayment(c.Request.Context(), models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceWebhook).
		SetCorrelation(provider, event.CorrelationID).
		SetProviderStatus(event.Status).
		SetProviderTransaction(event.ProviderTransactionID).
		SetRawBody(body).
		SetIPAddress(ip))

	// 4. Reconcile. NotFound and Ignored are acknowledged so the provider stops retrying.
	outcome, err := h.reconciler.Reconcile(c.Request.Context(), event)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	log.WithFields(logrus.Fields{
		"correlation_id": event.CorrelationID,
		"result":         outcome.Result,
		"signal":         outcome.Signal,
	}).Info("Webhook processed")

	c.JSON(http.StatusOK, gin.H{"received": true, "result": outcome.Result})
}
