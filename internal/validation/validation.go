// Package validation checks request fields before they reach the pipeline.
package validation

import (
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the largest accepted request body.
const MaxRequestSize = 64 << 10

// MaxStringLength bounds free-text fields such as user agents.
const MaxStringLength = 512

var (
	countryRegex = regexp.MustCompile(`^[A-Za-z]{2}$`)
	userIDRegex  = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)
	emailRegex   = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCountry reports whether s looks like an ISO 3166-1 alpha-2 code.
func IsValidCountry(s string) bool {
	return countryRegex.MatchString(s)
}

// IsValidUserID reports whether s is an acceptable opaque user identifier.
func IsValidUserID(s string) bool {
	return userIDRegex.MatchString(s)
}

// SanitizeString trims, drops NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError is one field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Country checks an optional ISO country code.
func Country(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidCountry(value) {
			return &ValidationError{Field: field, Message: "must be a two-letter country code"}
		}
		return nil
	}
}

// IPAddress checks an optional IPv4 or IPv6 literal.
func IPAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := netip.ParseAddr(value); err != nil {
			return &ValidationError{Field: field, Message: "must be an IP address"}
		}
		return nil
	}
}

// Email checks an optional address for basic shape only.
func Email(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !emailRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be an email address"}
		}
		return nil
	}
}

// UserID checks an optional user identifier.
func UserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "contains unsupported characters"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// UserIDParamMiddleware rejects malformed :userId path parameters.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("userId"); id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "userId contains unsupported characters",
			})
			return
		}
		c.Next()
	}
}
