package wire

import "errors"

var (
	ErrShortHeader       = errors.New("wire: short header")
	ErrBadSize           = errors.New("wire: invalid message size")
	ErrMessageTooLarge   = errors.New("wire: message too large")
	ErrMalformed         = errors.New("wire: malformed message")
	ErrArgCount          = errors.New("wire: wrong argument count")
	ErrArgType           = errors.New("wire: wrong argument type")
	ErrNullArgument      = errors.New("wire: null value for non-nullable argument")
	ErrInterfaceMismatch = errors.New("wire: object has wrong interface")
	ErrMissingFD         = errors.New("wire: file descriptor expected")
	ErrTooManyFDs        = errors.New("wire: too many file descriptors")
	ErrWouldBlock        = errors.New("wire: operation would block")
)
