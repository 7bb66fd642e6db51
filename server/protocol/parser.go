// request parser: a state machine fed with whatever bytes are available
// it keeps its progress between calls, so a request may arrive in any number of reads
package protocol

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"
)

// Limits enforced before the application sees a request
type Limits struct {
	MaxRequestLine int
	MaxHeaderBytes int // all header lines together
	MaxHeaders     int
	MaxBodyBytes   int64
}

const (
	DefaultMaxRequestLine = 8 << 10
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxHeaders     = 64
	DefaultMaxBodyBytes   = 8 << 20

	// empty lines tolerated before a request line
	maxLeadingEmptyLines = 4
	maxChunkLine         = 4 << 10
	maxChunkHexDigits    = 15
)

func DefaultLimits() Limits {
	return Limits{
		MaxRequestLine: DefaultMaxRequestLine,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxHeaders:     DefaultMaxHeaders,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

type state uint8

const (
	stateRequestLine state = iota
	stateHeaders
	stateBodyFixed
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailers
	stateComplete
	stateError
)

// Parser parses one request at a time, Reset it for the next one on a keep-alive conn
// it is not safe for concurrent use
type Parser struct {
	lim    Limits
	st     state
	req    *Request
	err    *Error
	remote string

	empties     int
	hdrBytes    int
	remaining   int64 // bytes left of fixed body or current chunk
	headersDone bool
}

// NewParser returns parser for lim, zero fields are taken from DefaultLimits
func NewParser(lim Limits) *Parser {
	def := DefaultLimits()
	if lim.MaxRequestLine <= 0 {
		lim.MaxRequestLine = def.MaxRequestLine
	}
	if lim.MaxHeaderBytes <= 0 {
		lim.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if lim.MaxHeaders <= 0 {
		lim.MaxHeaders = def.MaxHeaders
	}
	if lim.MaxBodyBytes <= 0 {
		lim.MaxBodyBytes = def.MaxBodyBytes
	}

	p := &Parser{lim: lim}
	p.Reset()
	return p
}

// Reset prepares parser for the next request, already returned requests stay untouched
func (p *Parser) Reset() {
	*p = Parser{lim: p.lim, remote: p.remote, req: &Request{ContentLength: -1, RemoteAddr: p.remote}}
}

// SetRemoteAddr sets peer address stored in this and every following request
func (p *Parser) SetRemoteAddr(addr string) {
	p.remote = addr
	p.req.RemoteAddr = addr
}

// Parse consumes bytes from data and reports how many were used
// done is true once the request is complete, bytes after it are not consumed
// the caller keeps unconsumed bytes and passes them again with newly read ones
// after an error every call returns the same error
func (p *Parser) Parse(data []byte) (consumed int, done bool, err error) {
	for {
		switch p.st {
		case stateComplete:
			return consumed, true, nil

		case stateError:
			return consumed, false, p.err

		case stateBodyFixed, stateChunkData:
			if consumed == len(data) {
				return consumed, false, nil
			}
			n := int(min(int64(len(data)-consumed), p.remaining))
			p.req.Body = append(p.req.Body, data[consumed:consumed+n]...)
			consumed += n
			p.remaining -= int64(n)
			if p.remaining == 0 {
				if p.st == stateBodyFixed {
					p.complete()
				} else {
					p.st = stateChunkCRLF
				}
			}

		case stateChunkCRLF:
			rest := data[consumed:]
			if len(rest) == 0 {
				return consumed, false, nil
			}
			switch {
			case rest[0] == '\n':
				consumed++
				p.st = stateChunkSize
			case rest[0] != '\r':
				p.fail(newError(KindMalformedChunk, "missing CRLF after chunk data"))
			case len(rest) < 2:
				return consumed, false, nil
			case rest[1] != '\n':
				p.fail(newError(KindMalformedChunk, "missing CRLF after chunk data"))
			default:
				consumed += 2
				p.st = stateChunkSize
			}

		default:
			line, n, ok := p.nextLine(data[consumed:])
			if !ok {
				if p.st == stateError {
					continue
				}
				return consumed, false, nil
			}
			consumed += n
			p.line(line, n)
		}
	}
}

// Request returns the parsed request once Parse reported done, nil before
func (p *Parser) Request() *Request {
	if p.st != stateComplete {
		return nil
	}
	return p.req
}

// Peek returns the request being parsed, fields are filled as far as parsing went
func (p *Parser) Peek() *Request {
	return p.req
}

// Err returns the terminal error if any
func (p *Parser) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

// HeadersDone reports that the header section was parsed
func (p *Parser) HeadersDone() bool {
	return p.headersDone
}

// ExpectContinue reports that the client waits for 100 Continue before sending the body
func (p *Parser) ExpectContinue() bool {
	if !p.headersDone || !p.req.Expect {
		return false
	}
	switch p.st {
	case stateBodyFixed, stateChunkSize, stateChunkData, stateChunkCRLF:
		return true
	}
	return false
}

// Started reports that some bytes of a request were consumed
func (p *Parser) Started() bool {
	return p.st != stateRequestLine || p.empties > 0
}

func (p *Parser) fail(e *Error) {
	p.err = e
	p.st = stateError
}

// find next complete line, terminator is CRLF or bare LF
// lines over the limit of the current state fail the parser
func (p *Parser) nextLine(buf []byte) ([]byte, int, bool) {
	var (
		limit int
		kind  Kind
	)
	switch p.st {
	case stateRequestLine:
		limit, kind = p.lim.MaxRequestLine+2, KindRequestLineTooLong
	case stateHeaders, stateTrailers:
		limit, kind = p.lim.MaxHeaderBytes-p.hdrBytes+2, KindHeadersTooLarge
	default:
		limit, kind = maxChunkLine, KindMalformedChunk
	}

	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		if len(buf) > limit {
			p.fail(newError(kind, "line exceeds limit"))
		}
		return nil, 0, false
	}
	if i+1 > limit {
		p.fail(newError(kind, "line exceeds limit"))
		return nil, 0, false
	}

	line := buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, true
}

func (p *Parser) line(line []byte, n int) {
	switch p.st {
	case stateRequestLine:
		p.requestLine(line)
	case stateHeaders:
		if len(line) == 0 {
			p.endHeaders()
			return
		}
		if f, ok := p.field(line, n, len(p.req.Header)); ok {
			p.req.Header = append(p.req.Header, f)
		}
	case stateChunkSize:
		p.chunkSize(line)
	case stateTrailers:
		if len(line) == 0 {
			p.complete()
			return
		}
		if f, ok := p.field(line, n, len(p.req.Trailer)); ok {
			p.req.Trailer = append(p.req.Trailer, f)
		}
	}
}

func (p *Parser) requestLine(line []byte) {
	if len(line) == 0 {
		p.empties++
		if p.empties > maxLeadingEmptyLines {
			p.fail(&Error{Kind: KindMalformedRequestLine, Detail: "too many empty lines"})
		}
		return
	}
	if len(line) > p.lim.MaxRequestLine {
		p.fail(newError(KindRequestLineTooLong, ""))
		return
	}

	s := string(line)
	sp := strings.LastIndexByte(s, ' ')
	looksHTTP := sp > 0 && strings.HasPrefix(s[sp+1:], "HTTP/")
	malformed := func(detail string) {
		p.fail(&Error{Kind: KindMalformedRequestLine, Detail: detail, Respondable: looksHTTP})
	}

	method, rest, ok := strings.Cut(s, " ")
	if !ok {
		malformed("missing target")
		return
	}
	target, version, ok := strings.Cut(rest, " ")
	if !ok || strings.IndexByte(version, ' ') >= 0 {
		malformed("bad number of fields")
		return
	}
	if !ValidToken(method) {
		malformed("bad method")
		return
	}

	major, minor, ok := parseVersion(version)
	if !ok {
		malformed("bad version")
		return
	}
	if major != 1 || minor > 1 {
		p.fail(newError(KindUnsupportedVersion, version))
		return
	}

	if target == "" || !ValidValue(target) || strings.IndexByte(target, '\t') >= 0 {
		malformed("bad target")
		return
	}
	raw := target
	if i := strings.Index(raw, "://"); i > 0 && raw[0] != '/' {
		// absolute-form, keep only path and query
		raw = raw[i+3:]
		if j := strings.IndexAny(raw, "/?"); j >= 0 {
			raw = raw[j:]
		} else {
			raw = "/"
		}
	}
	rawPath, query, _ := strings.Cut(raw, "?")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		malformed("bad escape in path")
		return
	}

	r := p.req
	r.Method = method
	r.Target = target
	r.RawPath = rawPath
	r.Path = path
	r.Query = query
	r.Proto = version
	r.Major, r.Minor = major, minor
	p.st = stateHeaders
}

// "HTTP/d.d"
func parseVersion(v string) (int, int, bool) {
	if len(v) != 8 || !strings.HasPrefix(v, "HTTP/") || v[6] != '.' {
		return 0, 0, false
	}
	hi, lo := v[5], v[7]
	if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
		return 0, 0, false
	}
	return int(hi - '0'), int(lo - '0'), true
}

// parse "name: value", count is number of fields already stored
func (p *Parser) field(line []byte, n, count int) (Field, bool) {
	p.hdrBytes += n
	if p.hdrBytes > p.lim.MaxHeaderBytes {
		p.fail(newError(KindHeadersTooLarge, ""))
		return Field{}, false
	}
	if line[0] == ' ' || line[0] == '\t' {
		p.fail(newError(KindMalformedHeader, "obsolete line folding"))
		return Field{}, false
	}

	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		p.fail(newError(KindMalformedHeader, "missing colon"))
		return Field{}, false
	}
	name := string(line[:i])
	if !ValidToken(name) {
		p.fail(newError(KindMalformedHeader, "bad field name"))
		return Field{}, false
	}
	value := strings.Trim(string(line[i+1:]), " \t")
	if !ValidValue(value) {
		p.fail(newError(KindMalformedHeader, "bad value for "+name))
		return Field{}, false
	}
	if count >= p.lim.MaxHeaders {
		p.fail(newError(KindTooManyHeaders, ""))
		return Field{}, false
	}
	return Field{Name: name, Value: value}, true
}

// header section is over: choose body framing
func (p *Parser) endHeaders() {
	r := p.req
	p.headersDone = true

	closing := r.Header.HasToken("Connection", "close")
	if r.ProtoAtLeast(1, 1) {
		r.KeepAlive = !closing
		r.Expect = r.Header.HasToken("Expect", "100-continue")
	} else {
		r.KeepAlive = !closing && r.Header.HasToken("Connection", "keep-alive")
	}

	if tes := r.Header.Values("Transfer-Encoding"); len(tes) > 0 {
		if !onlyChunked(tes) {
			p.fail(newError(KindUnsupportedTransferEncoding, strings.Join(tes, ", ")))
			return
		}
		r.Chunked = true
		r.Ambiguous = r.Header.Has("Content-Length")
		p.st = stateChunkSize
		return
	}

	cl := int64(-1)
	for _, v := range r.Header.Values("Content-Length") {
		n, ok := ParseContentLength(v)
		if !ok {
			p.fail(newError(KindMalformedContentLength, v))
			return
		}
		if cl >= 0 && n != cl {
			p.fail(newError(KindMalformedContentLength, "conflicting values"))
			return
		}
		cl = n
	}

	switch {
	case cl > p.lim.MaxBodyBytes:
		p.fail(newError(KindBodyTooLarge, strconv.FormatInt(cl, 10)))
	case cl > 0:
		p.remaining = cl
		r.Body = make([]byte, 0, cl)
		p.st = stateBodyFixed
	case cl == 0 || bodyless(r.Method):
		p.complete()
	default:
		p.fail(newError(KindLengthRequired, r.Method))
	}
}

func (p *Parser) chunkSize(line []byte) {
	s := line
	if i := bytes.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = bytes.TrimRight(s, " \t")
	if len(s) == 0 || len(s) > maxChunkHexDigits {
		p.fail(newError(KindMalformedChunk, "bad chunk size"))
		return
	}
	size, err := strconv.ParseUint(string(s), 16, 64)
	if err != nil {
		p.fail(newError(KindMalformedChunk, "bad chunk size"))
		return
	}
	if int64(len(p.req.Body))+int64(size) > p.lim.MaxBodyBytes {
		p.fail(newError(KindBodyTooLarge, "chunked body"))
		return
	}
	if size == 0 {
		p.st = stateTrailers
		return
	}
	p.remaining = int64(size)
	p.st = stateChunkData
}

func (p *Parser) complete() {
	p.req.ContentLength = int64(len(p.req.Body))
	p.st = stateComplete
}

// the only transfer coding we decode is a single "chunked"
func onlyChunked(values []string) bool {
	n := 0
	for _, v := range values {
		for t := range strings.SplitSeq(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if !strings.EqualFold(t, "chunked") {
				return false
			}
			n++
		}
	}
	return n == 1
}

// ParseContentLength accepts 1 to 18 decimal digits, surrounding spaces are ignored
func ParseContentLength(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > 18 {
		return 0, false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

// methods that carry no body when no framing is given
func bodyless(method string) bool {
	switch method {
	case "GET", "HEAD", "DELETE", "OPTIONS", "TRACE", "CONNECT":
		return true
	}
	return false
}
