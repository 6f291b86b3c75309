// Package validation provides input validation middleware for the keygate API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum JSON request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxScreenshotSize is the maximum screenshot upload size (5MB)
const MaxScreenshotSize = 5 << 20

// MaxSubjectID bounds chat platform user IDs. Anything above this is a
// fabricated ID, not a real account.
const MaxSubjectID = int64(1e15)

var (
	// orderIDRegex matches service-generated order IDs
	orderIDRegex = regexp.MustCompile(`^ord_[a-f0-9]{24}$`)
	// subjectIDRegex matches numeric chat user IDs
	subjectIDRegex = regexp.MustCompile(`^[0-9]{1,16}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSubjectID checks that a string is a plausible chat user ID:
// a positive integer no larger than MaxSubjectID.
func IsValidSubjectID(s string) bool {
	if !subjectIDRegex.MatchString(s) {
		return false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return false
	}
	return n > 0 && n <= MaxSubjectID
}

// IsValidOrderID checks the service-generated order ID format.
func IsValidOrderID(s string) bool {
	return orderIDRegex.MatchString(s)
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

// ValidSubject checks if a field is a plausible chat user ID
func ValidSubject(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidSubjectID(value) {
			return &ValidationError{Field: field, Message: "must be a positive numeric user ID"}
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

// PositiveAmount checks that an integer amount is positive
func PositiveAmount(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// OrderParamMiddleware validates the :id URL parameter on order routes.
// Malformed IDs are rejected before they reach a handler or the database.
func OrderParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidOrderID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_order_id",
				"message": "order id must look like ord_ followed by 24 hex chars",
			})
			return
		}
		c.Next()
	}
}
