package inquiry

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxMessageBytes caps the length of an inquiry message.
	MaxMessageBytes = 4000

	maxNameBytes  = 200
	maxEmailBytes = 254
)

// ErrInvalid matches every validation failure via errors.Is.
var ErrInvalid = errors.New("invalid input")

// FieldError describes one rejected field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

func (e *FieldError) Is(target error) bool { return target == ErrInvalid }

// FieldErrors flattens a (possibly joined or wrapped) validation error into its fields.
func FieldErrors(err error) []*FieldError {
	switch e := err.(type) {
	case nil:
		return nil
	case *FieldError:
		return []*FieldError{e}
	case interface{ Unwrap() []error }:
		var out []*FieldError
		for _, inner := range e.Unwrap() {
			out = append(out, FieldErrors(inner)...)
		}
		return out
	case interface{ Unwrap() error }:
		return FieldErrors(e.Unwrap())
	}
	return nil
}

// NewInquiry is the user supplied part of a contact inquiry.
type NewInquiry struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Company  string `json:"company,omitempty"`
	Message  string `json:"message"`
	ClientIP string `json:"-"`
}

// Normalize trims surrounding whitespace and lowercases the email.
func (n *NewInquiry) Normalize() {
	n.Name = strings.TrimSpace(n.Name)
	n.Email = normalizeEmail(n.Email)
	n.Company = strings.TrimSpace(n.Company)
	n.Message = strings.TrimSpace(n.Message)
}

// Validate reports every problem joined into one error.
func (n NewInquiry) Validate() error {
	var errs []error
	switch {
	case n.Name == "":
		errs = append(errs, &FieldError{"name", "is required"})
	case len(n.Name) > maxNameBytes:
		errs = append(errs, &FieldError{"name", fmt.Sprintf("must be at most %d bytes", maxNameBytes)})
	}
	if err := checkEmail(n.Email); err != nil {
		errs = append(errs, err)
	}
	switch {
	case n.Message == "":
		errs = append(errs, &FieldError{"message", "is required"})
	case len(n.Message) > MaxMessageBytes:
		errs = append(errs, &FieldError{"message", fmt.Sprintf("must be at most %d bytes", MaxMessageBytes)})
	}
	return errors.Join(errs...)
}

// ValidateEmail checks a newsletter address.
func ValidateEmail(email string) error {
	if err := checkEmail(normalizeEmail(email)); err != nil {
		return err
	}
	return nil
}

func checkEmail(email string) *FieldError {
	switch {
	case email == "":
		return &FieldError{"email", "is required"}
	case len(email) > maxEmailBytes:
		return &FieldError{"email", fmt.Sprintf("must be at most %d bytes", maxEmailBytes)}
	case !strings.Contains(email, "@"), strings.HasPrefix(email, "@"), strings.HasSuffix(email, "@"):
		return &FieldError{"email", "must be an email address"}
	}
	return nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
