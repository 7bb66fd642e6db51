// contract between the server and the application callback
// the app gets request environ and a start response func, returns lazy body
package app

import (
	"strings"

	"github.com/s00inx/appserver/server/protocol"
)

// Header is one response header, order of the slice is the wire order
type Header = protocol.Field

// StartResponse declares status line ("200 OK") and headers
// a second call is accepted only with a non-nil fault: before the first body
// byte is sent it replaces the declaration, after that the fault is returned
// back and the connection is aborted
type StartResponse func(status string, headers []Header, fault error) error

// Application is the single entry point for every request
type Application interface {
	Serve(env *Environ, start StartResponse) (Body, error)
}

// Func adapts a function to Application
type Func func(env *Environ, start StartResponse) (Body, error)

func (f Func) Serve(env *Environ, start StartResponse) (Body, error) {
	return f(env, start)
}

// Call runs the application, panics are turned into ApplicationFault
func Call(a Application, env *Environ, start StartResponse) (body Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			if body != nil {
				body.Close()
			}
			body, err = nil, recovered(r)
		}
	}()

	body, err = a.Serve(env, start)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, Fault(err)
	}
	if body == nil {
		body = Empty()
	}
	return body, nil
}

// Next pulls one chunk, a panic in the body is an ApplicationFault
// io.EOF is returned as is
func Next(b Body) (p []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, recovered(r)
		}
	}()
	return b.Next()
}

// Response is the state behind StartResponse for one request
type Response struct {
	Status int
	Reason string
	Header protocol.Header

	started   bool
	committed bool
	revised   error
}

// Start implements StartResponse
func (r *Response) Start(status string, headers []Header, fault error) error {
	if r.started && fault == nil {
		return ErrAlreadyStarted
	}
	if r.committed {
		return fault
	}

	code, reason, ok := parseStatus(status)
	if !ok {
		return ErrBadStatus
	}
	for _, h := range headers {
		if !protocol.ValidToken(h.Name) || !protocol.ValidValue(h.Value) {
			return ErrBadHeader
		}
		if strings.EqualFold(h.Name, "Content-Length") {
			if _, ok := protocol.ParseContentLength(h.Value); !ok {
				return ErrBadHeader
			}
		}
	}

	r.Status = code
	r.Reason = reason
	r.Header = append(r.Header[:0], headers...)
	r.started = true
	if fault != nil {
		r.revised = fault
	}
	return nil
}

// Started reports that status was declared
func (r *Response) Started() bool { return r.started }

// Commit marks the head as sent, headers are frozen after it
func (r *Response) Commit() { r.committed = true }

func (r *Response) Committed() bool { return r.committed }

// Revised returns the fault passed with the last accepted revision, if any
func (r *Response) Revised() error { return r.revised }

func (r *Response) Reset() {
	r.Status = 0
	r.Reason = ""
	r.Header = r.Header[:0]
	r.started = false
	r.committed = false
	r.revised = nil
}

// "ddd reason"
func parseStatus(s string) (int, string, bool) {
	if len(s) < 3 {
		return 0, "", false
	}
	code := 0
	for i := range 3 {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, "", false
		}
		code = code*10 + int(c-'0')
	}
	if code < 100 || code > 599 {
		return 0, "", false
	}

	reason := ""
	if len(s) > 3 {
		if s[3] != ' ' {
			return 0, "", false
		}
		reason = s[4:]
	}
	if !protocol.ValidValue(reason) {
		return 0, "", false
	}
	return code, reason, true
}
