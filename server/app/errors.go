package app

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// contract violations, returned by StartResponse
var (
	ErrAlreadyStarted = errors.New("app: start response already called")
	ErrNotStarted     = errors.New("app: body produced before start response")
	ErrBadStatus      = errors.New("app: malformed status line")
	ErrBadHeader      = errors.New("app: malformed response header")
)

// ApplicationFault is any failure of the application callback or its body:
// returned error, panic, misuse of the contract
type ApplicationFault struct {
	Err   error
	Panic any
	Stack []byte
}

func (f *ApplicationFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("app: panic: %v", f.Panic)
	}
	return fmt.Sprintf("app: fault: %v", f.Err)
}

func (f *ApplicationFault) Unwrap() error {
	return f.Err
}

// Fault wraps err into ApplicationFault, faults are returned as is
func Fault(err error) *ApplicationFault {
	if err == nil {
		return nil
	}
	var f *ApplicationFault
	if errors.As(err, &f) {
		return f
	}
	return &ApplicationFault{Err: err}
}

func recovered(r any) *ApplicationFault {
	err, _ := r.(error)
	return &ApplicationFault{Err: err, Panic: r, Stack: debug.Stack()}
}

// FileRangeError: requested range of a file wrapper does not fit the file
type FileRangeError struct {
	Path   string
	Offset int64
	Length int64
	Size   int64
}

func (e *FileRangeError) Error() string {
	return fmt.Sprintf("app: range %d+%d outside %s of size %d", e.Offset, e.Length, e.Path, e.Size)
}
