package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/handlers"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/payment"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/pkg/jwt"
	"github.com/smarttransit/seat-booking-backend/pkg/notify"
	"github.com/smarttransit/seat-booking-backend/pkg/sms"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// app holds everything the router needs
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	store    database.Store
	payments database.PaymentAuditLog
	rdb      *redis.Client // nil when Redis is disabled

	jwtService *jwt.Service
	rateLimit  *services.RateLimitService // nil when disabled
	security   *services.AuditService
	cron       *services.CronService

	bookingHandler *handlers.BookingHandler
	paymentHandler *handlers.PaymentHandler
	webhookHandler *handlers.WebhookHandler
	holdHandler    *handlers.HoldHandler // nil when Redis is disabled
	adminHandler   *handlers.AdminHandler
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting SmartTransit Seat Booking Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	a := &app{cfg: cfg, logger: logger}

	// ========================================================================
	// STORAGE
	// ========================================================================
	var securityDB database.DB
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using in-memory store; data is lost on restart")
		a.store = database.NewMemoryStore()
		a.payments = database.NewMemoryPaymentAuditLog()
	default:
		logger.Info("Connecting to database...")
		db, err := database.NewConnection(cfg.Database)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		logger.Info("Database connection established")
		a.store = database.NewPostgresStore(db.DB)
		a.payments = database.NewPaymentAuditRepository(db.DB, logger)
		if cfg.Security.EnableAuditLog {
			securityDB = db
		}
	}
	defer a.store.Close()

	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, seat holds and rate limiting disabled")
		} else {
			a.rdb = rdb
			defer rdb.Close()
			logger.WithField("addr", cfg.Redis.Addr).Info("Redis connection established")
		}
	}

	// ========================================================================
	// NOTIFICATIONS
	// ========================================================================
	dispatcher := buildDispatcher(cfg, logger)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close notification sinks")
		}
	}()
	logger.WithField("sinks", dispatcher.Sinks()).Info("Notification dispatcher initialized")

	// ========================================================================
	// PAYMENT PROVIDERS
	// ========================================================================
	gateways, err := buildGateways(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize payment providers: %v", err)
	}
	for provider := range gateways {
		logger.WithField("provider", provider).Info("Payment provider enabled")
	}

	// ========================================================================
	// SERVICES
	// ========================================================================
	logger.Info("Initializing services...")
	a.jwtService = jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	a.security = services.NewAuditService(securityDB, logger)

	var holds *services.SeatHoldService
	var holdChecker services.HoldChecker
	if a.rdb != nil {
		holds = services.NewSeatHoldService(a.rdb, a.store, cfg.Booking.HoldTTL, logger)
		holdChecker = holds
		if cfg.RateLimit.Enabled {
			a.rateLimit = services.NewRateLimitService(a.rdb, services.RateLimitConfig{
				Capacity:       cfg.RateLimit.Capacity,
				RefillTokens:   cfg.RateLimit.RefillTokens,
				RefillInterval: cfg.RateLimit.RefillInterval,
				Prefix:         cfg.RateLimit.Prefix,
			}, logger)
		}
	}

	retryConfig := services.RetryConfig{
		MaxRetries:      cfg.Booking.AllocationMaxRetries,
		InitialInterval: cfg.Booking.RetryInitialInterval,
	}
	allocator := services.NewSeatAllocationService(a.store, holdChecker, dispatcher, retryConfig, logger)
	resolver := services.NewReferenceResolver(a.store, logger)
	reconciler := services.NewReconciliationService(a.store, resolver, a.payments, dispatcher, retryConfig, logger)
	initiator := services.NewPaymentInitiationService(a.store, gateways, a.payments, dispatcher, retryConfig, cfg.Booking.ProviderTimeout, logger)
	verifier := services.NewPaymentVerificationService(a.store, gateways, reconciler, a.payments, cfg.Booking.ProviderTimeout, logger)
	expiration := services.NewExpirationService(a.store, allocator, reconciler, gateways, a.payments, services.ExpirationConfig{
		PendingTTL:      cfg.Booking.PendingTTL,
		ProcessingTTL:   cfg.Booking.ProcessingTTL,
		BatchSize:       cfg.Booking.SweepBatchSize,
		ProviderTimeout: cfg.Booking.ProviderTimeout,
	}, logger)

	schedules := services.DefaultCronSchedules()
	if cfg.Booking.SweepSchedule != "" {
		schedules.Sweep = cfg.Booking.SweepSchedule
	}
	a.cron = services.NewCronService(expiration, holds, a.security, schedules, cfg.Booking.AuditRetention, logger)
	if err := a.cron.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}
	defer a.cron.Stop()
	logger.Info("✓ Cron service started - expiry sweep enabled")

	// ========================================================================
	// HANDLERS
	// ========================================================================
	a.bookingHandler = handlers.NewBookingHandler(allocator, a.store, logger)
	a.paymentHandler = handlers.NewPaymentHandler(initiator, verifier, logger)
	a.webhookHandler = handlers.NewWebhookHandler(gateways, reconciler, a.security, a.payments, logger)
	a.adminHandler = handlers.NewAdminHandler(a.cron, a.store, a.payments, a.security, logger)
	if holds != nil {
		a.holdHandler = handlers.NewHoldHandler(holds, logger)
	}
	logger.Info("Services initialized")

	router := a.setupRouter()

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}

// setupRouter registers middleware and routes
func (a *app) setupRouter() *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	if a.cfg.Security.EnableRequestLog {
		router.Use(middleware.RequestLogger(a.logger))
	}

	// CORS configuration
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORS.AllowedOrigins,
		AllowMethods:     a.cfg.CORS.AllowedMethods,
		AllowHeaders:     a.cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(a.store, a.rdb))

	auth := middleware.AuthMiddleware(a.jwtService, a.logger)
	// limited chains auth, the per-user rate limit when enabled, and h
	limited := func(h gin.HandlerFunc) []gin.HandlerFunc {
		chain := []gin.HandlerFunc{auth}
		if a.rateLimit != nil {
			chain = append(chain, middleware.RateLimit(a.rateLimit, a.security, a.logger))
		}
		return append(chain, h)
	}

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		if a.cfg.Server.Environment != "production" {
			v1.GET("/debug/headers", debugHeadersHandler())
		}

		// Provider webhooks (authenticated by signature, not JWT)
		v1.POST("/webhooks/:provider", a.webhookHandler.HandleWebhook)

		bookings := v1.Group("/bookings")
		{
			bookings.POST("", limited(a.bookingHandler.CreateBooking)...)
			bookings.GET("/:id", auth, a.bookingHandler.GetBooking)
			bookings.POST("/:id/cancel", auth, a.bookingHandler.CancelBooking)
			bookings.POST("/:id/payment", limited(a.paymentHandler.InitiatePayment)...)
			bookings.POST("/:id/verify", auth, a.paymentHandler.VerifyPayment)
		}

		if a.holdHandler != nil {
			schedules := v1.Group("/schedules/:id")
			{
				schedules.GET("/availability", optionalAuth(a.jwtService, a.logger), a.holdHandler.GetAvailability)
				schedules.POST("/holds", limited(a.holdHandler.HoldSeats)...)
				schedules.DELETE("/holds", auth, a.holdHandler.ReleaseHold)
			}
		}

		admin := v1.Group("/admin")
		admin.Use(auth, middleware.RequireRole(jwt.RoleAdmin))
		{
			admin.POST("/sweep/run", a.adminHandler.RunSweep)
			admin.POST("/holds/prune", a.adminHandler.PruneHolds)
			admin.GET("/cron/status", a.adminHandler.GetCronStatus)
			admin.GET("/payments/mismatches", a.adminHandler.GetAmountMismatches)
			admin.GET("/bookings/:id/audit", a.adminHandler.GetBookingAuditTrail)
			admin.GET("/schedules/inconsistent", a.adminHandler.GetInconsistentSchedules)
			admin.GET("/users/:id/audit", a.adminHandler.GetUserAuditEvents)
		}
	}

	return router
}

// buildDispatcher assembles the notification sinks enabled in config
func buildDispatcher(cfg *config.Config, logger *logrus.Logger) *notify.Dispatcher {
	var sinks []notify.Sink

	if cfg.RabbitMQ.Enabled {
		sinks = append(sinks, notify.NewRabbitMQSink(cfg.RabbitMQ.URL))
	}
	if cfg.Kafka.Enabled {
		kafkaSink, err := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID)
		if err != nil {
			logger.WithError(err).Warn("Kafka sink disabled")
		} else {
			sinks = append(sinks, kafkaSink)
		}
	}

	var sender sms.Sender
	if cfg.SMS.Mode == "production" {
		logger.Info("Using Dialog URL method for booking SMS")
		sender = sms.NewDialogURLGateway(cfg.SMS.APIURL, cfg.SMS.ESMSQK, cfg.SMS.Mask)
	} else {
		logger.Info("SMS in development mode (messages are logged, not sent)")
		sender = sms.NewLogSender(logger)
	}
	sinks = append(sinks, notify.NewSMSSink(sender))

	return notify.NewDispatcher(logger, 10*time.Second, sinks...)
}

// buildGateways creates the enabled payment providers
func buildGateways(cfg *config.Config) (payment.Registry, error) {
	var gateways []payment.Gateway

	if cfg.Stripe.Enabled {
		g, err := payment.NewStripeGateway(&payment.StripeGatewayConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
		})
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}

	if cfg.Flutter.Enabled {
		g, err := payment.NewFlutterwaveGateway(&payment.FlutterwaveGatewayConfig{
			BaseURL:       cfg.Flutter.BaseURL,
			SecretKey:     cfg.Flutter.SecretKey,
			WebhookSecret: cfg.Flutter.WebhookSecret,
			RedirectURL:   cfg.Flutter.RedirectURL,
			Timeout:       cfg.Booking.ProviderTimeout,
		})
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, g)
	}

	return payment.NewRegistry(gateways...), nil
}

// optionalAuth attaches the user context when a valid bearer token is present and never rejects
func optionalAuth(jwtService *jwt.Service, logger *logrus.Logger) gin.HandlerFunc {
	auth := middleware.AuthMiddleware(jwtService, logger)
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.Next()
			return
		}
		auth(c)
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(store database.Store, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		// Check database connection
		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		redisStatus := "disabled"
		if rdb != nil {
			redisStatus = "healthy"
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "unhealthy"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"redis":     redisStatus,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}

// debugHeadersHandler shows the headers used for client IP detection
func debugHeadersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		headers := make(map[string]string)
		for name, values := range c.Request.Header {
			if name == "Authorization" {
				continue
			}
			headers[name] = values[0]
		}

		c.JSON(http.StatusOK, gin.H{
			"headers": headers,
			"ip_detection": gin.H{
				"gin_clientip":    c.ClientIP(),
				"remote_addr":     c.Request.RemoteAddr,
				"x_real_ip":       c.Request.Header.Get("X-Real-IP"),
				"x_forwarded_for": c.Request.Header.Get("X-Forwarded-For"),
			},
			"user_agent": c.Request.UserAgent(),
			"timestamp":  time.Now().Unix(),
		})
	}
}
