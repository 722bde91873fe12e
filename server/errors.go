package server

import (
	"errors"
	"fmt"
)

var (
	ErrDestroyed   = errors.New("server: destroyed")
	ErrNoRuntime   = errors.New("server: XDG_RUNTIME_DIR not set")
	ErrSocketInUse = errors.New("server: socket in use")
	ErrNoFreeName  = errors.New("server: no free socket name")
	ErrTooMany     = errors.New("server: too many clients")
)

// RequestError is returned by request handlers to report a protocol error
// to the client as a wl_display.error event. Unless Fatal is set the
// client stays connected.
type RequestError struct {
	// ObjectID is the object the error is about; 0 means the object that
	// received the request.
	ObjectID uint32
	Code     uint32
	Message  string
	Fatal    bool
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request error %d: %s", e.Code, e.Message)
}

// NewRequestError returns a non-fatal RequestError with a formatted message.
func NewRequestError(code uint32, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Message: fmt.Sprintf(format, args...)}
}
