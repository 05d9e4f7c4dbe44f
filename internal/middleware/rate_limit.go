package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

// Limiter takes one token from the bucket identified by scope and key
type Limiter interface {
	Allow(ctx context.Context, scope, key string) (*services.RateLimitDecision, error)
}

// ViolationRecorder stores throttled requests in the security audit log
type ViolationRecorder interface {
	LogRateLimitViolation(userID *uuid.UUID, scope, key, ipAddress, userAgent string, retryAfter time.Time) error
}

// RateLimit throttles authenticated callers per user and anonymous callers per IP.
// recorder may be nil.
func RateLimit(limiter Limiter, recorder ViolationRecorder, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, key := "ip", utils.GetRealIP(c)
		var userID *uuid.UUID
		if userCtx, ok := GetUserContext(c); ok {
			id := userCtx.UserID
			userID = &id
			scope, key = "user", id.String()
		}

		decision, err := limiter.Allow(c.Request.Context(), scope, key)
		if decision != nil {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		}

		var rlErr *services.RateLimitError
		if errors.As(err, &rlErr) {
			secs := rlErr.RetryAfterSeconds(time.Now())
			c.Header("Retry-After", strconv.Itoa(secs))

			logger.WithFields(logrus.Fields{
				"scope": scope,
				"key":   key,
				"path":  c.Request.URL.Path,
			}).Warn("Rate limit exceeded")
			if recorder != nil {
				if err := recorder.LogRateLimitViolation(userID, scope, key, utils.GetRealIP(c), utils.GetUserAgent(c), rlErr.RetryAfter); err != nil {
					logger.WithError(err).Debug("Failed to audit rate limit violation")
				}
			}

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too_many_requests",
				"message":     "rate limit exceeded",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
