package sms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDialogURL is Dialog's URL-campaign endpoint
const DefaultDialogURL = "https://e-sms.dialog.lk/api/v1/message-via-url/create/url-campaign"

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Sender delivers a single text message
type Sender interface {
	Send(ctx context.Context, phone, message string) error
	Name() string
}

// DialogURLGateway sends SMS through Dialog's GET request API (URL method).
// Authentication is the esmsqk key issued in the Dialog portal.
type DialogURLGateway struct {
	apiURL string
	apiKey string
	mask   string
	client *http.Client
}

// NewDialogURLGateway creates a new Dialog URL gateway instance
func NewDialogURLGateway(apiURL, apiKey, mask string) *DialogURLGateway {
	if apiURL == "" {
		apiURL = DefaultDialogURL
	}
	return &DialogURLGateway{
		apiURL: apiURL,
		apiKey: apiKey,
		mask:   mask,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// FormatPhoneForDialog converts a phone number to Dialog's 9-digit format.
// Accepts "0771234567", "94771234567" or "+94771234567" and returns "771234567".
func FormatPhoneForDialog(phone string) (string, error) {
	phone = nonDigits.ReplaceAllString(phone, "")

	if strings.HasPrefix(phone, "94") && len(phone) == 11 {
		phone = phone[2:]
	}
	if strings.HasPrefix(phone, "0") && len(phone) == 10 {
		phone = phone[1:]
	}

	if len(phone) != 9 {
		return "", fmt.Errorf("invalid phone number length after formatting: %d digits (expected 9)", len(phone))
	}
	if !strings.HasPrefix(phone, "7") {
		return "", fmt.Errorf("invalid Sri Lankan mobile prefix: must start with 7")
	}
	return phone, nil
}

// Send delivers message to phone. Dialog answers "1" on success and an error id otherwise.
func (d *DialogURLGateway) Send(ctx context.Context, phone, message string) error {
	formattedPhone, err := FormatPhoneForDialog(phone)
	if err != nil {
		return fmt.Errorf("invalid phone number: %w", err)
	}

	params := url.Values{}
	params.Add("esmsqk", d.apiKey)
	params.Add("list", formattedPhone)
	params.Add("source_address", d.mask)
	params.Add("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build SMS request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read SMS response: %w", err)
	}
	responseStr := strings.TrimSpace(string(body))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SMS API returned status %d: %s", resp.StatusCode, responseStr)
	}
	if responseStr != "1" {
		return fmt.Errorf("SMS sending failed with error code: %s", responseStr)
	}
	return nil
}

// Name returns the name of this SMS gateway
func (d *DialogURLGateway) Name() string {
	return "dialog_url"
}

// LogSender only logs messages. Used when SMS_MODE=dev.
type LogSender struct {
	logger *logrus.Logger
}

// NewLogSender creates a sender that writes messages to the log
func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(_ context.Context, phone, message string) error {
	l.logger.WithFields(logrus.Fields{
		"phone":   phone,
		"message": message,
	}).Info("SMS (dev mode, not sent)")
	return nil
}

func (l *LogSender) Name() string {
	return "log"
}
