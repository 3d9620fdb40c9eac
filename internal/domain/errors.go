package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition     = errors.New("media acquisition failed")
	ErrNegotiation          = errors.New("negotiation failed")
	ErrChannelDisconnected  = errors.New("signaling channel disconnected")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrConcurrentSubmission = errors.New("a response is already being submitted")
	ErrSessionEnded         = errors.New("session ended")
	ErrUnknownInterview     = errors.New("unknown interview")
	ErrInvalidState         = errors.New("operation not allowed in current state")
)

// OpError wraps a cause with the operation that failed.
type OpError struct {
	Op      string
	Err     error
	Details string
}

func (e *OpError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func NewOpError(op string, err error, details string) *OpError {
	return &OpError{Op: op, Err: err, Details: details}
}

// Wrap joins a taxonomy sentinel with its cause so both match errors.Is.
func Wrap(op string, sentinel, cause error) error {
	if cause == nil {
		return &OpError{Op: op, Err: sentinel}
	}
	return &OpError{Op: op, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}

// IsTerminal reports whether err has no further recovery path.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrMediaAcquisition) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrChannelDisconnected)
}
