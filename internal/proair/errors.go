package proair

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionUnavailable means no valid token exists and re-login failed (or
// was never performed). Callers must skip the operation, not crash; the next
// explicit login can recover the session.
var ErrSessionUnavailable = errors.New("proair: session unavailable")

// CommandError reports a rejected write: either a non-200 HTTP status or a
// non-zero vendor result code.
type CommandError struct {
	ResCode    int
	StatusCode int
}

func (e *CommandError) Error() string {
	if e.StatusCode != http.StatusOK {
		return fmt.Sprintf("proair: command rejected with HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("proair: command rejected with result code %d", e.ResCode)
}
