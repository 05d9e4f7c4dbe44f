// Package notify fans booking lifecycle events out to message brokers and SMS.
// Delivery is best effort: a sink failure is logged and never reaches the caller.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types published after a committed booking transition
const (
	EventBookingConfirmed     = "booking.confirmed"
	EventBookingPaymentFailed = "booking.payment_failed"
	EventBookingCancelled     = "booking.cancelled"
	EventBookingExpired       = "booking.expired"
)

// Event is the broker payload for a booking transition
type Event struct {
	Type          string    `json:"type"`
	BookingID     string    `json:"booking_id"`
	Reference     string    `json:"reference"`
	UserID        string    `json:"user_id"`
	ScheduleID    string    `json:"schedule_id"`
	Seats         []string  `json:"seats"`
	BookingStatus string    `json:"booking_status"`
	PaymentStatus string    `json:"payment_status"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason,omitempty"`
	Phone         string    `json:"-"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Marshal encodes the event as JSON
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink is one delivery channel
type Sink interface {
	Name() string
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Dispatcher publishes each event to every sink concurrently
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout defaults to 10s per sink.
func NewDispatcher(logger *logrus.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
	}
}

// Notify hands the event to every sink without blocking the caller
func (d *Dispatcher) Notify(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := s.Publish(ctx, event); err != nil {
				d.logger.WithError(err).WithFields(logrus.Fields{
					"sink":       s.Name(),
					"event_type": event.Type,
					"booking_id": event.BookingID,
				}).Warn("Failed to publish booking notification")
				return
			}
			d.logger.WithFields(logrus.Fields{
				"sink":       s.Name(),
				"event_type": event.Type,
				"booking_id": event.BookingID,
			}).Debug("Booking notification published")
		}(sink)
	}
}

// Wait blocks until all in-flight deliveries finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for in-flight deliveries and closes every sink
func (d *Dispatcher) Close() error {
	d.Wait()
	var firstErr error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sinks returns the names of the configured sinks
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}
