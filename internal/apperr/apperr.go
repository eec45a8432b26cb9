// Package apperr defines the wire-visible error taxonomy shared by every
// component of the bridge: the command router, port router, projection
// layer, virtual tool executor, reflex engine and external tool surface all
// return *Error (or wrap one) instead of ad-hoc error strings.
package apperr

import "errors"

// Code is a stable, wire-visible error code.
type Code string

const (
	// UnknownDevice means the command target is not in the device registry.
	UnknownDevice Code = "unknown_device"
	// Timeout means no event arrived for a correlation within budget.
	Timeout Code = "timeout"
	// SendFailed means a transport write failed.
	SendFailed Code = "send_failed"
	// DeviceOffline means a command was attempted on a device whose
	// last-status age exceeds the online threshold, or whose stream
	// connection closed.
	DeviceOffline Code = "device_offline"
	// UnknownTool means the requested tool does not exist for the device.
	UnknownTool Code = "unknown_tool"
	// InvalidArgs means args failed validation against the tool's schema.
	InvalidArgs Code = "invalid_args"
	// ConfigInvalid means a reflex or virtual tool definition was rejected
	// at load time.
	ConfigInvalid Code = "config_invalid"
	// Internal is the catch-all for programming errors.
	Internal Code = "internal"
)

// Error is the structured error type every public operation returns.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error with the given code and message, retaining err
// for errors.Is/errors.As and for internal logging.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

// Unwrap exposes the wrapped error, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is supports errors.Is comparisons against a *Error with a matching Code,
// ignoring Message and the wrapped error.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, returning
// Internal otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
