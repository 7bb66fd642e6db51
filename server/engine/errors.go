package engine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// flow errors returned by Transport
var (
	ErrWouldBlock = errors.New("engine: operation would block")
	ErrClosed     = errors.New("engine: connection closed by peer")
)

// TransportError wraps an errno from a socket op
// Fatal means the connection must be torn down, otherwise caller can retry later
type TransportError struct {
	Op    string
	Err   error
	Fatal bool
}

func (e *TransportError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("engine: %s %s: %v", kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should close the connection
// ErrClosed is fatal too: nothing more can be read or written
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, ErrWouldBlock) {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Fatal
	}
	return true
}

// classify errno from read/write/sendfile
func newTransportError(op string, err error) error {
	switch err {
	case unix.EAGAIN:
		return ErrWouldBlock
	case unix.ENOBUFS, unix.ENOMEM:
		return &TransportError{Op: op, Err: err, Fatal: false}
	}
	return &TransportError{Op: op, Err: err, Fatal: true}
}
