package validation

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// Addf appends a validation error built from a format string.
func (c *Collector) Addf(field, format string, args ...any) {
	c.errors = append(c.errors, ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidatePositive returns an error if the value is not strictly positive.
func ValidatePositive(field string, value float64) *ValidationError {
	if !(value > 0) {
		return &ValidationError{
			Field:   field,
			Message: "must be a positive number",
		}
	}
	return nil
}

// ValidateMin returns an error if the value is below min.
func ValidateMin(field string, value, min int) *ValidationError {
	if value < min {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be at least %d", min),
		}
	}
	return nil
}

// ValidateNotZeroTime returns an error if the timestamp is unset.
func ValidateNotZeroTime(field string, value time.Time) *ValidationError {
	if value.IsZero() {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid timestamp",
		}
	}
	return nil
}

// ValidateNotBefore returns an error if value precedes floor. Guards the
// lastModified >= generatedAt invariant.
func ValidateNotBefore(field string, value, floor time.Time) *ValidationError {
	if value.Before(floor) {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must not precede %s", floor.UTC().Format(time.RFC3339)),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}
