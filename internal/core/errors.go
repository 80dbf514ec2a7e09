// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and
// classify them with errors.Is or CauseOf.
var (
	// Session management errors
	ErrCaptureInProgress  = errors.New("wiretap: capture already in progress")
	ErrSurfaceUnavailable = errors.New("wiretap: output surface unavailable")
	ErrInvalidInterface   = errors.New("wiretap: invalid interface name")

	// User cancellation
	ErrCancelledByUser   = errors.New("wiretap: capture cancelled by user")
	ErrMissingCredential = errors.New("wiretap: administrator password is required")

	// Environment errors
	ErrToolNotInstalled    = errors.New("wiretap: capture tool not installed")
	ErrUnsupportedPlatform = errors.New("wiretap: unsupported platform")

	// Privilege errors
	ErrInsufficientPrivileges = errors.New("wiretap: insufficient privileges")
	ErrIncorrectCredential    = errors.New("wiretap: incorrect administrator password")

	// Process errors
	ErrSpawnFailed    = errors.New("wiretap: failed to start capture process")
	ErrProcessExited  = errors.New("wiretap: capture process exited unexpectedly")
	ErrAlreadyStopped = errors.New("wiretap: process already terminated")

	// Configuration errors
	ErrConfigInvalid = errors.New("wiretap: invalid configuration")
)

// Cause groups errors into the families a caller reacts to differently.
type Cause string

const (
	CauseNone           Cause = ""
	CauseCancellation   Cause = "cancellation"
	CauseEnvironment    Cause = "environment"
	CausePermission     Cause = "permission"
	CauseAuthentication Cause = "authentication"
	CauseProcess        Cause = "process"
	CauseState          Cause = "state"
)

// CauseOf classifies err. Unknown errors are reported as process errors.
func CauseOf(err error) Cause {
	switch {
	case err == nil:
		return CauseNone
	case errors.Is(err, ErrCancelledByUser), errors.Is(err, ErrMissingCredential):
		return CauseCancellation
	case errors.Is(err, ErrToolNotInstalled), errors.Is(err, ErrUnsupportedPlatform),
		errors.Is(err, ErrSurfaceUnavailable), errors.Is(err, ErrInvalidInterface):
		return CauseEnvironment
	case errors.Is(err, ErrInsufficientPrivileges):
		return CausePermission
	case errors.Is(err, ErrIncorrectCredential):
		return CauseAuthentication
	case errors.Is(err, ErrCaptureInProgress):
		return CauseState
	default:
		return CauseProcess
	}
}
