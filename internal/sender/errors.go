package sender

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNothingRunning = errors.New("no message in flight")
	ErrCancelled      = errors.New("stream cancelled")
	ErrClosed         = errors.New("sender closed")
)

// SubmitError is returned by Send when the submit call itself fails. No stream
// is opened.
type SubmitError struct {
	SessionID string
	Err       error
}

func (e *SubmitError) Error() string {
	if e == nil {
		return "submit failed"
	}
	return fmt.Sprintf("submit message to session %s: %v", e.SessionID, e.Err)
}

func (e *SubmitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ServerSignaledError is the outcome of a message that ended with an error event.
type ServerSignaledError struct {
	MessageID string
	Code      string
	Message   string
}

func (e *ServerSignaledError) Error() string {
	if e == nil {
		return "server error"
	}
	if e.Code != "" {
		return fmt.Sprintf("message %s failed: %s: %s", e.MessageID, e.Code, e.Message)
	}
	return fmt.Sprintf("message %s failed: %s", e.MessageID, e.Message)
}
