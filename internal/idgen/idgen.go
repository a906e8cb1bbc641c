// Package idgen generates the opaque identifiers used throughout chatfleet:
// session ids, worker ids, refresh-token families, and request-scoped
// request ids.
package idgen

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// SessionID returns a new globally-unique, opaque 128-bit session identifier.
func SessionID() string {
	return uuid.NewString()
}

// FamilyID returns a new refresh-token family identifier.
func FamilyID() string {
	return uuid.NewString()
}

// TokenID returns a new refresh-token identifier.
func TokenID() string {
	return uuid.NewString()
}

// RequestID returns a new random request identifier, used as the HTTP
// request id and as the unique member of a rate-limit window entry.
func RequestID() string {
	return uuid.NewString()
}

// WorkerID builds a process-unique worker identifier from host, pid, and a
// random suffix, unless one was supplied by configuration.
func WorkerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// AnonymousUserID builds an `anonymous:<nonce>` user id for
// unauthenticated sessions.
func AnonymousUserID() string {
	return "anonymous:" + uuid.NewString()
}
