package core

import (
	"errors"
	"fmt"
)

// Error is the error shape surfaced by the call core and the gateway.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest      ErrorType = "invalid_request_error"
	ErrInvalidState        ErrorType = "invalid_state_error"
	ErrMediaUnavailable    ErrorType = "media_unavailable_error"
	ErrConnectionRefused   ErrorType = "connection_refused_error"
	ErrAuthentication      ErrorType = "authentication_error"
	ErrStreamInterrupted   ErrorType = "stream_interrupted_error"
	ErrToolCallTimeout     ErrorType = "tool_call_timeout_error"
	ErrUnsupportedToolCall ErrorType = "unsupported_tool_call_error"
	ErrAudioContext        ErrorType = "audio_context_error"
	ErrOverloaded          ErrorType = "overloaded_error"
	ErrAPI                 ErrorType = "api_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewInvalidStateError reports a command that the current call state does not allow.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// NewMediaUnavailableError wraps a device or permission failure.
func NewMediaUnavailableError(device string, cause error) *Error {
	msg := device + " unavailable"
	if cause != nil {
		msg = fmt.Sprintf("%s unavailable: %v", device, cause)
	}
	return &Error{Type: ErrMediaUnavailable, Message: msg, Param: device, Cause: cause}
}

// NewConnectionRefusedError wraps a transport open failure.
func NewConnectionRefusedError(cause error) *Error {
	msg := "connection refused"
	if cause != nil {
		msg = fmt.Sprintf("connection refused: %v", cause)
	}
	return &Error{Type: ErrConnectionRefused, Message: msg, Cause: cause}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewStreamInterruptedError wraps a mid-call transport failure.
func NewStreamInterruptedError(cause error) *Error {
	msg := "stream interrupted"
	if cause != nil {
		msg = fmt.Sprintf("stream interrupted: %v", cause)
	}
	return &Error{Type: ErrStreamInterrupted, Message: msg, Cause: cause}
}

// NewToolCallTimeoutError reports a tool acknowledgement that did not complete in time.
func NewToolCallTimeoutError(tool, callID string) *Error {
	return &Error{
		Type:    ErrToolCallTimeout,
		Message: fmt.Sprintf("acknowledgement for %s timed out", tool),
		Param:   tool,
		Code:    callID,
	}
}

// NewUnsupportedToolCallError reports a tool name with no registered handler.
func NewUnsupportedToolCallError(tool string) *Error {
	return &Error{Type: ErrUnsupportedToolCall, Message: fmt.Sprintf("tool %q is not supported", tool), Param: tool}
}

// NewAudioContextError wraps a failure to create or resume an audio output.
func NewAudioContextError(cause error) *Error {
	msg := "audio output unavailable"
	if cause != nil {
		msg = fmt.Sprintf("audio output unavailable: %v", cause)
	}
	return &Error{Type: ErrAudioContext, Message: msg, Cause: cause}
}

// NewOverloadedError reports a capacity limit such as the concurrent call cap.
func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Message: message}
}

// IsRetryable returns true if the user can retry the failed operation.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrMediaUnavailable, ErrConnectionRefused, ErrStreamInterrupted, ErrAudioContext, ErrOverloaded:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce, true
	}
	return nil, false
}

// TypeOf returns the ErrorType of err, or "" when err carries none.
func TypeOf(err error) ErrorType {
	if ce, ok := AsError(err); ok {
		return ce.Type
	}
	return ""
}
