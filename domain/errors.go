package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates the board does not exist or is not accessible to the caller.
type NotFoundError struct {
	BoardID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("board %s not found", e.BoardID)
}

// TransientError wraps a retryable network or service failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return e.Op + ": transient failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// SubscriptionReason is the reason code a transport attaches to a stream failure.
type SubscriptionReason string

const (
	ReasonIdentitySwitch SubscriptionReason = "identity-switch"
	ReasonScopeSwitch    SubscriptionReason = "scope-switch"
	ReasonUnauthorized   SubscriptionReason = "unauthorized"
	ReasonTransport      SubscriptionReason = "transport"
	ReasonDecode         SubscriptionReason = "decode"
	ReasonUnknown        SubscriptionReason = "unknown"
)

// IdentityTransition reports whether the reason stems from an in-progress
// identity or workspace switch.
func (r SubscriptionReason) IdentityTransition() bool {
	return r == ReasonIdentitySwitch || r == ReasonScopeSwitch
}

// SubscriptionError is reported by event transports.
type SubscriptionError struct {
	Reason  SubscriptionReason
	BoardID string
	Err     error
}

func (e *SubscriptionError) Error() string {
	msg := "subscription " + string(e.Reason)
	if e.BoardID != "" {
		msg += " (board " + e.BoardID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// IdentityTransitionError is a subscription failure caused by an identity or
// workspace switch. It is expected and swallowed.
type IdentityTransitionError struct {
	Reason SubscriptionReason
	Err    error
}

func (e *IdentityTransitionError) Error() string {
	return "identity transition (" + string(e.Reason) + "): " + errString(e.Err)
}

func (e *IdentityTransitionError) Unwrap() error { return e.Err }

// UnexpectedSubscriptionError is any other event channel failure. It is logged
// but never fatal since polling keeps the board correct.
type UnexpectedSubscriptionError struct {
	Reason SubscriptionReason
	Err    error
}

func (e *UnexpectedSubscriptionError) Error() string {
	return "unexpected subscription error (" + string(e.Reason) + "): " + errString(e.Err)
}

func (e *UnexpectedSubscriptionError) Unwrap() error { return e.Err }

// ClassifySubscriptionError maps a transport error onto the error taxonomy
// using the structured reason code. Untagged errors are unexpected.
func ClassifySubscriptionError(err error) error {
	if err == nil {
		return nil
	}
	var it *IdentityTransitionError
	var ue *UnexpectedSubscriptionError
	if errors.As(err, &it) || errors.As(err, &ue) {
		return err
	}
	var se *SubscriptionError
	if errors.As(err, &se) {
		if se.Reason.IdentityTransition() {
			return &IdentityTransitionError{Reason: se.Reason, Err: err}
		}
		return &UnexpectedSubscriptionError{Reason: se.Reason, Err: err}
	}
	return &UnexpectedSubscriptionError{Reason: ReasonUnknown, Err: err}
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
