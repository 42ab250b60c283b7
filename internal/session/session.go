// Package session tracks the rotating-token state for one ProAir login. The
// server keeps its own copy of the counter and validates requests in strict
// order, so the owning client must serialize every mutation.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTokenFormat means the decrypted login token did not split into
// exactly a base token and an initial counter. The login attempt is void.
var ErrInvalidTokenFormat = errors.New("invalid token format")

// Session holds the base token, its monotonic counter and the local expiry.
// The zero value is the unauthenticated state.
type Session struct {
	base      string
	counter   int
	expiresAt time.Time
}

// Store parses a decrypted login token of the form "{base}_{counter}" and
// resets the session around it. The ttl is a safety margin kept strictly
// shorter than the undocumented server-side session lifetime.
func (s *Session) Store(plain string, now time.Time, ttl time.Duration) error {
	parts := strings.Split(plain, "_")
	if len(parts) != 2 {
		return fmt.Errorf("%w: expected 2 parts, got %d", ErrInvalidTokenFormat, len(parts))
	}
	counter, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("%w: non-numeric counter %q", ErrInvalidTokenFormat, parts[1])
	}
	s.base = parts[0]
	s.counter = counter
	s.expiresAt = now.Add(ttl)
	return nil
}

// Authenticated reports whether a base token is present.
func (s *Session) Authenticated() bool {
	return s.base != ""
}

// Expired reports whether the local safety margin has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.expiresAt)
}

// Clear drops the session back to the unauthenticated state.
func (s *Session) Clear() {
	*s = Session{}
}

// Next increments the counter and returns the plaintext per-request token.
// Every call consumes one counter value; skipping or reordering values
// desynchronizes the session on the server side.
func (s *Session) Next() string {
	s.counter++
	return fmt.Sprintf("%s_%d", s.base, s.counter)
}

// Counter exposes the current counter value for logging and tests.
func (s *Session) Counter() int {
	return s.counter
}
