package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/pistonsync/internal/piston"
)

// NoPiston marks a RuntimeError that concerns no particular piston.
const NoPiston piston.ID = -1

// RuntimeError represents an error detected while applying a local input or
// a remote envelope.
//
// Most runtime errors reject one input and leave the session running:
// authority violations, stale sequence numbers, taps outside Running. Two
// codes end the engine: INVARIANT_VIOLATION and CONFIG_ERROR (see IsFatal).
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Session identifies the affected session, if known.
	Session string

	// Piston identifies the affected piston, or NoPiston.
	Piston piston.ID

	// Sender identifies the peer whose envelope was rejected, if any.
	Sender piston.PeerID

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeAuthorityViolation: a peer tried to mutate a piston (or send a
	// master-only message) it has no authority over.
	ErrCodeAuthorityViolation RuntimeErrorCode = "AUTHORITY_VIOLATION"

	// ErrCodeConfig: the game cannot be set up with the given configuration.
	ErrCodeConfig RuntimeErrorCode = "CONFIG_ERROR"

	// ErrCodeInvariantViolation: the board reached a state that must never
	// exist, such as a degenerate balance computation.
	ErrCodeInvariantViolation RuntimeErrorCode = "INVARIANT_VIOLATION"

	// ErrCodeNotRunning: the operation needs a running session.
	ErrCodeNotRunning RuntimeErrorCode = "NOT_RUNNING"

	// ErrCodeSessionFrozen: the session was won or abandoned.
	ErrCodeSessionFrozen RuntimeErrorCode = "SESSION_FROZEN"

	// ErrCodeTargetLost: the local peer tapped while its target is not tracked.
	ErrCodeTargetLost RuntimeErrorCode = "TARGET_LOST"

	// ErrCodeStaleSequence: an envelope or timer value did not advance.
	ErrCodeStaleSequence RuntimeErrorCode = "STALE_SEQUENCE"

	// ErrCodeUnknownPiston: the piston id is not on the board.
	ErrCodeUnknownPiston RuntimeErrorCode = "UNKNOWN_PISTON"

	// ErrCodeUnknownPeer: the sender is not a member of the session.
	ErrCodeUnknownPeer RuntimeErrorCode = "UNKNOWN_PEER"

	// ErrCodeSessionMismatch: the envelope belongs to another session.
	ErrCodeSessionMismatch RuntimeErrorCode = "SESSION_MISMATCH"

	// ErrCodeSetupSealed: a setup message arrived after setup_complete.
	ErrCodeSetupSealed RuntimeErrorCode = "SETUP_SEALED"

	// ErrCodePeerDisconnected: the other peer is gone.
	ErrCodePeerDisconnected RuntimeErrorCode = "PEER_DISCONNECTED"

	// ErrCodeInvalidInput: the input or payload is malformed.
	ErrCodeInvalidInput RuntimeErrorCode = "INVALID_INPUT"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Piston != NoPiston {
		msg += fmt.Sprintf(" (piston=%d)", e.Piston)
	}
	if e.Sender != "" {
		msg += fmt.Sprintf(" (sender=%s)", e.Sender)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func newError(code RuntimeErrorCode, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Piston:  NoPiston,
	}
}

func (e *RuntimeError) on(id piston.ID) *RuntimeError {
	e.Piston = id
	return e
}

func (e *RuntimeError) from(sender piston.PeerID) *RuntimeError {
	e.Sender = sender
	return e
}

func (e *RuntimeError) wrap(err error) *RuntimeError {
	e.Err = err
	return e
}

func (e *RuntimeError) with(key, value string) *RuntimeError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the RuntimeErrorCode of err, or "" if err is not a
// RuntimeError. Uses errors.As to handle wrapped errors.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsAuthorityViolation returns true if err rejected an unauthorized mutation.
func IsAuthorityViolation(err error) bool {
	return CodeOf(err) == ErrCodeAuthorityViolation
}

// IsInvariantViolation returns true if err reports a corrupt board.
func IsInvariantViolation(err error) bool {
	return CodeOf(err) == ErrCodeInvariantViolation
}

// IsDisconnected returns true if err reports that the other peer is gone.
func IsDisconnected(err error) bool {
	return CodeOf(err) == ErrCodePeerDisconnected
}

// IsFatal reports whether err ends the engine.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvariantViolation, ErrCodeConfig:
		return true
	}
	return false
}
