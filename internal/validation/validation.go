// Package validation screens user input before it reaches auth or the chat
// pipeline: length bounds, control-character bans, and a rudimentary
// script/SQL pattern check.
package validation

import (
	"fmt"
	"regexp"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var engine = validator.New()

// LoginInput is the struct-tag-validated shape of a login request body.
type LoginInput struct {
	Username string `validate:"required,min=1,max=64"`
	Password string `validate:"required,min=1,max=256"`
}

// suspiciousPattern catches the crudest script/SQL injection attempts.
// It is intentionally narrow: a defense-in-depth check at the edge, not a
// substitute for parameterized queries or output encoding further in.
var suspiciousPattern = regexp.MustCompile(`(?i)<script|javascript:|--|;\s*(drop|delete|update|insert)\s|union\s+select`)

// ValidateLogin checks a login payload against length bounds, control
// characters, and the suspicious-pattern heuristic.
func ValidateLogin(in LoginInput) error {
	if err := engine.Struct(in); err != nil {
		return fmt.Errorf("invalid login input: %w", err)
	}
	if hasControlChars(in.Username) || hasControlChars(in.Password) {
		return fmt.Errorf("invalid login input: control characters not allowed")
	}
	if suspiciousPattern.MatchString(in.Username) {
		return fmt.Errorf("invalid login input: disallowed pattern in username")
	}
	return nil
}

// ValidateChatMessage bounds and sanity-checks an inbound chat message body
// before it reaches the orchestrator.
func ValidateChatMessage(body string, maxBytes int) error {
	if len(body) == 0 {
		return fmt.Errorf("message body must not be empty")
	}
	if len(body) > maxBytes {
		return fmt.Errorf("message body exceeds %d bytes", maxBytes)
	}
	if hasControlChars(body) {
		return fmt.Errorf("message body contains control characters")
	}
	return nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		// Tab and newline are legitimate inside a chat message; everything
		// else in the C0/C1 control ranges is not.
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return true
		}
	}
	return false
}

