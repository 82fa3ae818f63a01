package messaging

import (
	"errors"
	"fmt"

	"github.com/opd-ai/buddynet/crypto"
)

// Error kinds. Every send failure wraps exactly one of these and can be
// tested with errors.Is.
var (
	// ErrCapacityExceeded: too many queued messages, connections or unauthorized peers
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrTimeout: the message or connection exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrProtocol: malformed fragment, bad signature or mismatched reply
	ErrProtocol = errors.New("protocol error")

	// ErrUnavailable: peer offline, no usable address or subsystem not ready
	ErrUnavailable = errors.New("unavailable")

	// ErrPasswordRequired: the local key material is locked
	ErrPasswordRequired = crypto.ErrPasswordRequired

	// ErrInvalidTransition indicates a message state change outside the transition table
	ErrInvalidTransition = errors.New("invalid state transition")
)

// SendError represents a send failure with additional context
type SendError struct {
	Kind      error  // one of the Err* kinds above
	Op        string // operation that failed
	Detail    string // human readable detail
	WasActive bool   // whether the message had been written to a connection
	Final     bool   // never retry, regardless of kind
}

func (e *SendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("buddy %s: %v: %s", e.Op, e.Kind, e.Detail)
	}
	return fmt.Sprintf("buddy %s: %v", e.Op, e.Kind)
}

func (e *SendError) Unwrap() error {
	return e.Kind
}

// CapacityError builds a CapacityExceeded failure.
func CapacityError(op, detail string) error {
	return &SendError{Kind: ErrCapacityExceeded, Op: op, Detail: detail, Final: true}
}

// TimeoutError builds a Timeout failure. wasActive records whether the message
// had already been sent when it timed out.
func TimeoutError(op string, wasActive bool) error {
	return &SendError{Kind: ErrTimeout, Op: op, Detail: "timeout", WasActive: wasActive}
}

// ProtocolError builds a connection-fatal protocol failure.
func ProtocolError(op, detail string) error {
	return &SendError{Kind: ErrProtocol, Op: op, Detail: detail, WasActive: true, Final: true}
}

// UnavailableError builds a retryable Unavailable failure.
func UnavailableError(op, detail string) error {
	return &SendError{Kind: ErrUnavailable, Op: op, Detail: detail, WasActive: true}
}

// FinalError builds an Unavailable failure that must not be retried.
func FinalError(op, detail string) error {
	return &SendError{Kind: ErrUnavailable, Op: op, Detail: detail, WasActive: true, Final: true}
}

// WasActive reports whether err was raised for a message that had been sent.
// Errors without that context are treated as active.
func WasActive(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.WasActive
	}
	return true
}

// Retryable reports whether a failure may be retried once.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrPasswordRequired) {
		return false
	}
	var se *SendError
	if errors.As(err, &se) && se.Final {
		return false
	}
	return true
}
