package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/smarttransit/seat-booking-backend/pkg/sms"
)

// SMSSink texts the customer for the event types it knows a message for
type SMSSink struct {
	sender sms.Sender
}

// NewSMSSink wraps an SMS sender
func NewSMSSink(sender sms.Sender) *SMSSink {
	return &SMSSink{sender: sender}
}

func (s *SMSSink) Name() string {
	return "sms:" + s.sender.Name()
}

// Publish sends the customer message. Events without a phone number are skipped.
func (s *SMSSink) Publish(ctx context.Context, event Event) error {
	if event.Phone == "" {
		return nil
	}
	message, ok := smsMessage(event)
	if !ok {
		return nil
	}
	return s.sender.Send(ctx, event.Phone, message)
}

func (s *SMSSink) Close() error {
	return nil
}

func smsMessage(event Event) (string, bool) {
	switch event.Type {
	case EventBookingConfirmed:
		return fmt.Sprintf("Your SmartTransit booking %s is confirmed. Seats: %s. Amount paid: %.2f %s.",
			event.Reference, strings.Join(event.Seats, ", "), event.Amount, event.Currency), true
	case EventBookingPaymentFailed:
		return fmt.Sprintf("Payment for booking %s was not completed and the seats were released.", event.Reference), true
	case EventBookingExpired:
		return fmt.Sprintf("Booking %s expired before payment and the seats were released.", event.Reference), true
	}
	return "", false
}
