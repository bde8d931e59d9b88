package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects every configuration problem so startup can report them
// all at once.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{}
}

// AddError adds a validation error.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Err returns nil when no errors were recorded.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%s", v.ErrorString())
}

// ErrorString returns a formatted string of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Required records an error when value is empty.
func (v *Validator) Required(key, value string) {
	if value == "" {
		v.AddError(key, "required environment variable not set")
	}
}

// Duration parses a positive duration, returning def for an empty value.
func (v *Validator) Duration(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g. 5m, 15s)")
		return def
	}
	if d <= 0 {
		v.AddError(key, "must be a positive duration")
		return def
	}
	return d
}

// PositiveInt64 parses a positive integer, returning def for an empty value.
func (v *Validator) PositiveInt64(key, value string, def int64) int64 {
	if value == "" {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n <= 0 {
		v.AddError(key, "must be a positive integer")
		return def
	}
	return n
}

// NonNegativeInt parses an integer >= 0, returning def for an empty value.
func (v *Validator) NonNegativeInt(key, value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n < 0 {
		v.AddError(key, "must not be negative")
		return def
	}
	return n
}

// Bool parses a boolean, returning def for an empty value.
func (v *Validator) Bool(key, value string, def bool) bool {
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		v.AddError(key, "must be true or false")
		return def
	}
	return b
}

// Enum validates that a value is one of allowed options.
func (v *Validator) Enum(key, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// Addr validates a listen address of the form [host]:port.
func (v *Validator) Addr(key, value string) {
	if value == "" {
		return
	}
	i := strings.LastIndexByte(value, ':')
	if i < 0 {
		v.AddError(key, "must be of the form [host]:port")
		return
	}
	port, err := strconv.Atoi(value[i+1:])
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 0 || port > 65535 {
		v.AddError(key, "port must be between 0 and 65535")
	}
}

// Endpoint accepts host:port or an http(s) URL.
func (v *Validator) Endpoint(key, value string) {
	if value == "" || !strings.Contains(value, "://") {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
	}
}

// PostgresURL checks the scheme of a connection string.
func (v *Validator) PostgresURL(key, value string) {
	if value == "" {
		return
	}
	if !strings.HasPrefix(value, "postgres://") && !strings.HasPrefix(value, "postgresql://") {
		v.AddError(key, "must be a valid PostgreSQL connection string")
	}
}
