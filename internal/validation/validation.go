package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// Limits applied to form submissions before they are sent or queued.
const (
	MaxEndpointLength    = 2048
	MaxFieldNameLength   = 256
	MaxFieldValueLength  = 64 * 1024
	MaxDescriptionLength = 500
	MaxFields            = 1000
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
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

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
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

// ValidateEndpoint returns an error unless value is an absolute path on the
// upstream host. Scheme-relative paths ("//host/x") and absolute URLs are
// rejected so a replay can never leave the configured upstream.
func ValidateEndpoint(field, value string) *ValidationError {
	switch {
	case !strings.HasPrefix(value, "/"):
		return &ValidationError{Field: field, Message: "must be a path starting with /"}
	case strings.HasPrefix(value, "//"):
		return &ValidationError{Field: field, Message: "must not be scheme-relative"}
	case strings.ContainsAny(value, " \t\r\n#"):
		return &ValidationError{Field: field, Message: "must not contain whitespace or a fragment"}
	}
	return nil
}

// ValidateSubmission checks the endpoint, description and fields of a form
// submission. Field errors are reported as fields[i].name or fields[i].value.
// Empty values and duplicate names are allowed; forms legitimately post both.
func ValidateSubmission(endpoint string, fields types.Fields, description string) []ValidationError {
	var c Collector

	if err := ValidateRequired("endpoint", endpoint); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateEndpoint("endpoint", endpoint))
		c.Add(ValidateMaxLength("endpoint", endpoint, MaxEndpointLength))
		c.Add(ValidateUTF8("endpoint", endpoint))
		c.Add(ValidateNoNullBytes("endpoint", endpoint))
	}

	c.Add(ValidateMaxLength("description", description, MaxDescriptionLength))
	c.Add(ValidateUTF8("description", description))
	c.Add(ValidateNoNullBytes("description", description))

	if len(fields) > MaxFields {
		c.Add(&ValidationError{
			Field:   "fields",
			Message: fmt.Sprintf("exceeds maximum of %d fields", MaxFields),
		})
		return c.Errors()
	}

	for i, f := range fields {
		name := fmt.Sprintf("fields[%d].name", i)
		c.Add(ValidateRequired(name, f.Name))
		c.Add(ValidateMaxLength(name, f.Name, MaxFieldNameLength))
		c.Add(ValidateUTF8(name, f.Name))
		c.Add(ValidateNoNullBytes(name, f.Name))

		value := fmt.Sprintf("fields[%d].value", i)
		c.Add(ValidateMaxLength(value, f.Value, MaxFieldValueLength))
		c.Add(ValidateUTF8(value, f.Value))
		c.Add(ValidateNoNullBytes(value, f.Value))
	}

	return c.Errors()
}
