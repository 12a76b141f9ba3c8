// internal/messenger/errors.go
package messenger

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed send attempt. The kinds are part of the
// campaign engine's contract: unavailable recipients are recorded and skipped,
// the other two kinds are eligible for fallback delivery.
type FailureKind string

const (
	FailureUnavailable   FailureKind = "unavailable"
	FailureOutsideWindow FailureKind = "outside_window"
	FailureOther         FailureKind = "other"
)

// SendError is a classified delivery failure.
type SendError struct {
	Kind    FailureKind
	Code    int
	Subcode int
	Message string
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Classify wraps any error as a SendError, defaulting to FailureOther for
// errors the channel client did not already classify.
func Classify(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Kind: FailureOther, Message: err.Error()}
}
