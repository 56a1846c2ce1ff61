package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error types for consistent error handling across the client.

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// Sentinel errors for controller and adapter lifecycle facts.
var (
	ErrNotStarted            = errors.New("auth controller not started")
	ErrAlreadyStarted        = errors.New("auth controller already started")
	ErrProviderDisabled      = errors.New("identity provider disabled")
	ErrNoPendingVerification = errors.New("no pending unverified identity")
	ErrAlreadySubscribed     = errors.New("identity provider already subscribed")
	ErrNotAuthenticated      = errors.New("not authenticated")
)

// ============================================================
// Auth error taxonomy
// ============================================================

// ErrorKind classifies authentication failures. Decisions (fallback,
// surfacing) are taken on the kind, never on message text.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindNotVerified        ErrorKind = "not_verified"
	KindNetwork            ErrorKind = "network_error"
	KindEmailInUse         ErrorKind = "email_in_use"
	KindWeakPassword       ErrorKind = "weak_password"
	KindUserDisabled       ErrorKind = "user_disabled"
	KindValidation         ErrorKind = "validation_error"
	KindUnknown            ErrorKind = "unknown"
)

// DefaultMessage is the user-facing text used when no better message exists.
func (k ErrorKind) DefaultMessage() string {
	switch k {
	case KindInvalidCredentials:
		return "Invalid email or password"
	case KindNotVerified:
		return "Please verify your email before signing in"
	case KindNetwork:
		return "Network error, please check your connection and try again"
	case KindEmailInUse:
		return "An account with this email already exists"
	case KindWeakPassword:
		return "Password is too weak, please choose a stronger one"
	case KindUserDisabled:
		return "This account has been disabled"
	case KindValidation:
		return "Some of the submitted information is invalid"
	default:
		return "Something went wrong, please try again"
	}
}

// AuthError is the single error type surfaced by auth operations.
type AuthError struct {
	Kind    ErrorKind
	Message string
	// FallbackAvailable hints the UI that legacy email login can be offered.
	FallbackAvailable bool
	// Profile is the partial identity attached to NotVerified failures.
	Profile *UserProfile
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.DefaultMessage()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError builds an AuthError with the kind's default message when msg
// is empty.
func NewAuthError(kind ErrorKind, msg string, err error) *AuthError {
	if msg == "" {
		msg = kind.DefaultMessage()
	}
	return &AuthError{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err. Errors that are not AuthErrors are
// classified as network failures when they come from the transport layer and
// as unknown otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	if IsTransportError(err) {
		return KindNetwork
	}
	return KindUnknown
}

// AsAuthError normalizes any error into an AuthError.
func AsAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return NewAuthError(KindOf(err), "", err)
}

// IsTransportError reports whether err is a connectivity failure: timeouts,
// cancelled deadlines, dial/read errors or an open circuit breaker.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var circuitOpen *ErrCircuitOpen
	if errors.As(err, &circuitOpen) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
