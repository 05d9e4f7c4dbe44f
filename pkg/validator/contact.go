package validator

import (
	"errors"
	"net/mail"
	"strings"
)

var (
	// ErrEmptyEmail indicates e-mail is empty
	ErrEmptyEmail = errors.New("email cannot be empty")

	// ErrInvalidEmail indicates e-mail does not parse as a bare address
	ErrInvalidEmail = errors.New("email is not a valid address")
)

// ValidateEmail returns the lower-cased address or an error.
// Display-name forms ("Jane <jane@example.com>") are rejected.
func ValidateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmptyEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	if at < 1 || !strings.Contains(email[at+1:], ".") {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(email), nil
}

// Contact is the payer contact after normalisation
type Contact struct {
	Name  string
	Email string
	Phone string
}

// FieldError names the contact field that failed validation
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// ValidateContact requires a name and e-mail; phone is optional but must be valid when present
func (v *PhoneValidator) ValidateContact(name, email, phone string) (*Contact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &FieldError{Field: "name", Err: errors.New("name cannot be empty")}
	}

	normalisedEmail, err := ValidateEmail(email)
	if err != nil {
		return nil, &FieldError{Field: "email", Err: err}
	}

	contact := &Contact{Name: name, Email: normalisedEmail}
	if strings.TrimSpace(phone) != "" {
		normalisedPhone, err := v.Validate(phone)
		if err != nil {
			return nil, &FieldError{Field: "phone", Err: err}
		}
		contact.Phone = normalisedPhone
	}
	return contact, nil
}
