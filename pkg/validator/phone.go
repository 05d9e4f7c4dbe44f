package validator

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrEmptyPhone indicates phone number is empty
	ErrEmptyPhone = errors.New("phone number cannot be empty")

	// ErrInvalidFormat indicates phone number contains invalid characters
	ErrInvalidFormat = errors.New("phone number can only contain digits and an optional leading +")

	// ErrInvalidLength indicates the normalised number is outside E.164 bounds
	ErrInvalidLength = errors.New("phone number must have between 8 and 15 digits including country code")

	// ErrInvalidPrefix indicates a local Sri Lankan number without a mobile prefix
	ErrInvalidPrefix = errors.New("local phone number must start with 070, 071, 072, 074, 075, 076, 077, 078, or 079")
)

// Sri Lankan mobile operator prefixes accepted for numbers written in local form
var localMobilePrefixes = []string{"070", "071", "072", "074", "075", "076", "077", "078", "079"}

var digitsRegex = regexp.MustCompile(`^\+?\d+$`)

// PhoneValidator normalises customer phone numbers to E.164.
// Numbers written in local form (leading 0) are assumed to belong to DefaultCountryCode.
type PhoneValidator struct {
	DefaultCountryCode string
}

// NewPhoneValidator creates a validator that treats local numbers as Sri Lankan
func NewPhoneValidator() *PhoneValidator {
	return &PhoneValidator{DefaultCountryCode: "94"}
}

// Validate returns the E.164 form (+94771234567) of phone
func (v *PhoneValidator) Validate(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", ErrEmptyPhone
	}

	sanitized := v.Sanitize(phone)
	if !digitsRegex.MatchString(sanitized) {
		return "", ErrInvalidFormat
	}

	var digits string
	switch {
	case strings.HasPrefix(sanitized, "+"):
		digits = sanitized[1:]
	case strings.HasPrefix(sanitized, "00"):
		digits = sanitized[2:]
	case strings.HasPrefix(sanitized, "0"):
		if v.DefaultCountryCode == "94" && !v.IsValidPrefix(sanitized) {
			return "", ErrInvalidPrefix
		}
		digits = v.DefaultCountryCode + sanitized[1:]
	default:
		digits = sanitized
	}

	if strings.Contains(digits, "+") {
		return "", ErrInvalidFormat
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidLength
	}
	return "+" + digits, nil
}

// Sanitize removes common separators from a phone number
func (v *PhoneValidator) Sanitize(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(phone))
}

// IsValidPrefix checks if a local number has a Sri Lankan mobile prefix
func (v *PhoneValidator) IsValidPrefix(phone string) bool {
	if len(phone) < 3 {
		return false
	}
	prefix := phone[:3]
	for _, p := range localMobilePrefixes {
		if prefix == p {
			return true
		}
	}
	return false
}

// IsValid is a convenience method that returns true if phone is valid
func (v *PhoneValidator) IsValid(phone string) bool {
	_, err := v.Validate(phone)
	return err == nil
}
