package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// correlationPattern matches ids minted by GenerateCorrelationID: BK-<8 hex of booking id>-<random hex>
var correlationPattern = regexp.MustCompile(`^BK-([0-9a-fA-F]{8})-[0-9a-fA-F]+$`)

// GenerateSecret generates a cryptographically secure random secret
func GenerateSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateBookingReference returns a human-readable reference, e.g. BK-20261019-9F3A1C2B.
// Uniqueness is enforced by the caller against the store.
func GenerateBookingReference(now time.Time) (string, error) {
	suffix, err := GenerateSecret(4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BK-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(suffix)), nil
}

// GenerateCorrelationID mints a provider correlation id that embeds the booking id prefix
func GenerateCorrelationID(bookingID uuid.UUID) (string, error) {
	suffix, err := GenerateSecret(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BK-%s-%s", bookingID.String()[:8], suffix), nil
}

// EmbeddedBookingPrefix extracts the booking id prefix from a correlation id
func EmbeddedBookingPrefix(correlationID string) (string, bool) {
	m := correlationPattern.FindStringSubmatch(correlationID)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}
