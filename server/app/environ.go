// environ is the application's view of a request (getters only)
package app

import (
	"bytes"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/s00inx/appserver/server/protocol"
)

// ServerInfo is per listener metadata put into every environ
type ServerInfo struct {
	Name   string
	Port   string
	Scheme string
}

// Environ describes one request, the app must not keep it after the call
type Environ struct {
	Method        string
	Path          string // decoded
	RawPath       string
	Query         string // raw, without '?'
	Proto         string
	Header        protocol.Header
	Trailer       protocol.Header
	Body          io.Reader
	ContentLength int64
	RemoteAddr    string

	ServerName string
	ServerPort string
	Scheme     string

	req *protocol.Request
}

// NewEnviron builds environ over a complete request
func NewEnviron(req *protocol.Request, srv ServerInfo) *Environ {
	scheme := srv.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return &Environ{
		Method:        req.Method,
		Path:          req.Path,
		RawPath:       req.RawPath,
		Query:         req.Query,
		Proto:         req.Proto,
		Header:        req.Header,
		Trailer:       req.Trailer,
		Body:          bytes.NewReader(req.Body),
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		ServerName:    srv.Name,
		ServerPort:    srv.Port,
		Scheme:        scheme,
		req:           req,
	}
}

// Request returns the parsed request behind the environ
func (e *Environ) Request() *protocol.Request {
	return e.req
}

// BodyBytes returns the whole request body
func (e *Environ) BodyBytes() []byte {
	if e.req == nil {
		return nil
	}
	return e.req.Body
}

// QueryValue returns decoded value of the first key=value pair with this key
func (e *Environ) QueryValue(key string) string {
	q := e.Query
	for len(q) > 0 {
		var pair string
		pair, q, _ = strings.Cut(q, "&")

		k, v, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if k != key {
			continue
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			return uv
		}
		return v
	}
	return ""
}

// Get returns a value by its CGI/WSGI name:
// REQUEST_METHOD, SCRIPT_NAME, PATH_INFO, QUERY_STRING, CONTENT_TYPE, CONTENT_LENGTH,
// SERVER_NAME, SERVER_PORT, SERVER_PROTOCOL, REMOTE_ADDR, REMOTE_PORT, wsgi.url_scheme, HTTP_*
func (e *Environ) Get(key string) string {
	switch key {
	case "REQUEST_METHOD":
		return e.Method
	case "SCRIPT_NAME":
		return ""
	case "PATH_INFO":
		return e.Path
	case "QUERY_STRING":
		return e.Query
	case "CONTENT_TYPE":
		return e.Header.Get("Content-Type")
	case "CONTENT_LENGTH":
		if e.ContentLength <= 0 {
			return ""
		}
		return strconv.FormatInt(e.ContentLength, 10)
	case "SERVER_NAME":
		return e.ServerName
	case "SERVER_PORT":
		return e.ServerPort
	case "SERVER_PROTOCOL":
		return e.Proto
	case "REMOTE_ADDR":
		host, _ := splitRemote(e.RemoteAddr)
		return host
	case "REMOTE_PORT":
		_, port := splitRemote(e.RemoteAddr)
		return port
	case "wsgi.url_scheme":
		return e.Scheme
	}

	name, ok := strings.CutPrefix(key, "HTTP_")
	if !ok {
		return ""
	}
	var vs []string
	for _, f := range e.Header {
		if cgiName(f.Name) == name {
			vs = append(vs, f.Value)
		}
	}
	return strings.Join(vs, ", ")
}

// Map returns every non-empty CGI/WSGI variable
func (e *Environ) Map() map[string]string {
	keys := []string{
		"REQUEST_METHOD", "SCRIPT_NAME", "PATH_INFO", "QUERY_STRING", "CONTENT_TYPE", "CONTENT_LENGTH",
		"SERVER_NAME", "SERVER_PORT", "SERVER_PROTOCOL", "REMOTE_ADDR", "REMOTE_PORT", "wsgi.url_scheme",
	}
	m := make(map[string]string, len(keys)+len(e.Header))
	for _, k := range keys {
		if v := e.Get(k); v != "" {
			m[k] = v
		}
	}
	for _, f := range e.Header {
		n := cgiName(f.Name)
		if n == "CONTENT_TYPE" || n == "CONTENT_LENGTH" {
			continue
		}
		m["HTTP_"+n] = e.Get("HTTP_" + n)
	}
	return m
}

// "X-Forwarded-For" -> "X_FORWARDED_FOR"
func cgiName(h string) string {
	return strings.ToUpper(strings.ReplaceAll(h, "-", "_"))
}

func splitRemote(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}
