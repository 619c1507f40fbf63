// Package errors defines the error taxonomy shared by gorum commands and
// packages. It is usually imported as errwrap to avoid shadowing the
// standard library package.
package errors

import (
	goerrors "errors"
	"fmt"
	"strings"
)

// Kind classifies an error for operator reporting and exit code mapping.
type Kind string

const (
	KindUsage          Kind = "usage"
	KindConfigConflict Kind = "config_conflict"
	KindValidation     Kind = "validation"
	KindLockHeld       Kind = "lock_held"
	KindEnvironment    Kind = "environment"
	KindResource       Kind = "resource"
	KindVerification   Kind = "verification"
	KindPlatform       Kind = "platform"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrUsage          = goerrors.New("usage error")
	ErrConfigConflict = goerrors.New("settings conflict")
	ErrValidation     = goerrors.New("invalid settings")
	ErrLockHeld       = goerrors.New("job is locked")
	ErrEnvironment    = goerrors.New("environment error")
	ErrResource       = goerrors.New("insufficient resources")
	ErrVerification   = goerrors.New("verification failed")
	ErrPlatform       = goerrors.New("platform error")
)

var sentinels = map[Kind]error{
	KindUsage:          ErrUsage,
	KindConfigConflict: ErrConfigConflict,
	KindValidation:     ErrValidation,
	KindLockHeld:       ErrLockHeld,
	KindEnvironment:    ErrEnvironment,
	KindResource:       ErrResource,
	KindVerification:   ErrVerification,
	KindPlatform:       ErrPlatform,
}

// Error is a classified error with an optional remediation hint.
type Error struct {
	Kind    Kind
	Message string
	// Hint tells the operator what to do next. Printed on its own line.
	Hint  string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// New creates a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithHint returns e with its hint set.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// NewUsageError reports bad or missing command-line input.
func NewUsageError(message, hint string) error {
	return &Error{Kind: KindUsage, Message: message, Hint: hint}
}

// NewConfigConflictError reports saved settings that differ from new input.
func NewConfigConflictError(settingsPath string, keys []string) error {
	return &Error{
		Kind: KindConfigConflict,
		Message: fmt.Sprintf("options differ from the settings saved in %s (changed: %s)",
			settingsPath, strings.Join(keys, ", ")),
		Hint: "re-run with the original options, or pass --force to overwrite the saved settings",
	}
}

// NewLockHeldError reports that another run owns the output directory.
func NewLockHeldError(lockPath string, cause error) error {
	return &Error{
		Kind:    KindLockHeld,
		Message: fmt.Sprintf("another gorum run holds the lock %s", lockPath),
		Hint:    "check it with 'gorum status'; if no job is running, remove the lock file or run 'gorum kill'",
		Cause:   cause,
	}
}

// WrapEnvironment wraps an OS-level failure (unreadable file, mkdir, exec).
func WrapEnvironment(cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: KindEnvironment, Message: message, Cause: cause}
}

// NewResourceError reports that the operator declined to continue with too
// little memory, or that the abort policy is in effect.
func NewResourceError(message string) error {
	return &Error{
		Kind:    KindResource,
		Message: message,
		Hint:    "pass --ram to set memory per chunk, raise --chunks, or use --ram-policy warn",
	}
}

// WrapPlatform wraps a backend failure during a phase.
func WrapPlatform(cause error, phase string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: KindPlatform, Message: phase + " failed", Cause: cause}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Kind, true
	}
	for kind, sentinel := range sentinels {
		if goerrors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}

// HintOf returns the remediation hint attached to err, if any.
func HintOf(err error) string {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Hint
	}
	return ""
}
