// Package validation provides input validation for the Gatewall admin API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxTitleLength caps tenant-supplied display strings
const MaxTitleLength = 256

var (
	// credentialRefRegex matches bot protocol credentials: numeric bot ID,
	// colon, opaque token part
	credentialRefRegex = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{20,}$`)

	// knownMethods mirrors the payment socket identifiers
	knownMethods = map[string]bool{
		"manual_approval":     true,
		"native_micropayment": true,
		"external_gateway":    true,
	}
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError describes a rejected field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidCredentialRef checks whether a string looks like a bot credential.
func ValidCredentialRef(ref string) bool {
	return credentialRefRegex.MatchString(ref)
}

// ValidateMethods rejects unknown payment method identifiers.
func ValidateMethods(methods []string) error {
	for _, m := range methods {
		if !knownMethods[m] {
			return &ValidationError{Field: "paymentMethods", Message: fmt.Sprintf("unknown payment method %q", m)}
		}
	}
	return nil
}

// SanitizeTitle trims and bounds tenant-supplied display strings.
func SanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > MaxTitleLength {
		s = s[:MaxTitleLength]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
