package serverdb

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable is returned while the circuit breaker is open.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrUnknownTenant is returned when a tenant has no registered schema.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// TransportError wraps a failure talking to the remote database.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transport wraps err as a TransportError unless it is nil or a context error.
func transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("remote %s: %w", op, err)
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err came from the remote driver.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
