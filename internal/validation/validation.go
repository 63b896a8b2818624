// Package validation provides input validation for the gate API: request
// size limits, IP checks, and sanitization of client-supplied device
// attributes before they reach the fingerprint engine.
package validation

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cartguard/internal/signal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxAttributeLength caps client-supplied device attribute strings.
const MaxAttributeLength = 512

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIP checks if a string is a valid IPv4 or IPv6 address
func IsValidIP(s string) bool {
	return net.ParseIP(s) != nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// SanitizeDevice normalizes every client-supplied device attribute in
// place. Attributes are adversarial input: they feed the fingerprint hash
// and the bot rules, so they are length-capped and stripped first.
func SanitizeDevice(d *signal.Device) {
	d.UserAgent = SanitizeString(d.UserAgent, MaxAttributeLength)
	d.ScreenResolution = SanitizeString(d.ScreenResolution, 32)
	d.Timezone = SanitizeString(d.Timezone, 64)
	d.Language = SanitizeString(d.Language, 64)
	d.Platform = SanitizeString(d.Platform, 64)
	d.WebGLVendor = SanitizeString(d.WebGLVendor, MaxAttributeLength)
	d.WebGLRenderer = SanitizeString(d.WebGLRenderer, MaxAttributeLength)
	d.CanvasFingerprint = SanitizeString(d.CanvasFingerprint, 128)
	d.AudioFingerprint = SanitizeString(d.AudioFingerprint, 128)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidIP checks if a field is a valid IP address
func ValidIP(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidIP(value) {
			return &ValidationError{Field: field, Message: "must be a valid IP address"}
		}
		return nil
	}
}

// ValidOperation checks if a field names a known cart operation
func ValidOperation(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !signal.Operation(value).Valid() {
			return &ValidationError{Field: field, Message: "must be a known cart operation"}
		}
		return nil
	}
}

// PositiveQuantity checks that a quantity is at least one
func PositiveQuantity(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 1 {
			return &ValidationError{Field: field, Message: "must be at least 1"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
