// response serialization: status line, headers, body framing
package protocol

import (
	"strconv"
	"strings"
)

// lookup table for status codes
// i use flat list instead of map bc codes is fixed
var statusTable = [512]string{
	// 1xx
	100: "Continue",
	101: "Switching Protocols",
	103: "Early Hints",

	// 2xx
	200: "OK",
	201: "Created",
	202: "Accepted",
	203: "Non-Authoritative Information",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",

	// 3xx
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",

	// 4xx
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Content Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	417: "Expectation Failed",
	422: "Unprocessable Content",
	426: "Upgrade Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",

	// 5xx
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// StatusText returns reason phrase for code, "" if unknown
func StatusText(code int) string {
	if code < 0 || code >= len(statusTable) {
		return ""
	}
	return statusTable[code]
}

// for fast access
const (
	crlf      = "\r\n"
	colon     = ": "
	lastChunk = "0\r\n\r\n"
)

// AppendUint appends decimal n w/o allocations
// n is uint bc / 10 (and % 10) for uints is faster (compiler use division by invariant integers)
func AppendUint(dst []byte, n uint64) []byte {
	if n == 0 {
		return append(dst, '0')
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return append(dst, tmp[i:]...)
}

const hexDigits = "0123456789abcdef"

// AppendHex appends n in lowercase hex, used for chunk sizes
func AppendHex(dst []byte, n uint64) []byte {
	if n == 0 {
		return append(dst, '0')
	}

	var tmp [16]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return append(dst, tmp[i:]...)
}

// AppendStatusLine writes "HTTP/x.y code reason\r\n"
// empty reason is taken from status table
func AppendStatusLine(dst []byte, major, minor, code int, reason string) []byte {
	dst = append(dst, "HTTP/"...)
	dst = append(dst, byte('0'+major), '.', byte('0'+minor), ' ')
	dst = AppendUint(dst, uint64(code))
	if reason == "" {
		reason = StatusText(code)
	}
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	return append(dst, crlf...)
}

// AppendHeaders writes fields in the given order
func AppendHeaders(dst []byte, h Header) []byte {
	for _, f := range h {
		dst = appendField(dst, f.Name, f.Value)
	}
	return dst
}

func appendField(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, colon...)
	dst = append(dst, value...)
	return append(dst, crlf...)
}

// AppendChunkHeader writes the size line of a chunk with n data bytes
func AppendChunkHeader(dst []byte, n int) []byte {
	dst = AppendHex(dst, uint64(n))
	return append(dst, crlf...)
}

// AppendChunk writes p as one chunk, empty p writes nothing (it would end the body)
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = AppendChunkHeader(dst, len(p))
	dst = append(dst, p...)
	return append(dst, crlf...)
}

// AppendLastChunk ends chunked body, no trailers
func AppendLastChunk(dst []byte) []byte {
	return append(dst, lastChunk...)
}

// Framing is how the end of a response body is found by the client
type Framing uint8

const (
	FramingNoBody  Framing = iota // 1xx, 204, 304
	FramingLength                 // Content-Length
	FramingChunked                // Transfer-Encoding: chunked
	FramingClose                  // body ends when the connection is closed
)

func (f Framing) String() string {
	switch f {
	case FramingNoBody:
		return "no-body"
	case FramingLength:
		return "length"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "close"
	}
	return "framing(" + strconv.Itoa(int(f)) + ")"
}

// FramingInput describes response before its head is written
type FramingInput struct {
	Major, Minor int // request version
	Status       int
	Header       Header // as given by the application
	Known        bool   // total body length is known
	Length       int64
}

// DecideFraming picks body framing and the length to announce for FramingLength
// app's own Content-Length wins over a computed one, app's chunked wins over both
func DecideFraming(in FramingInput) (Framing, int64) {
	if in.Status < 200 || in.Status == 204 || in.Status == 304 {
		return FramingNoBody, 0
	}
	http11 := in.Major > 1 || in.Major == 1 && in.Minor >= 1

	if in.Header.HasToken("Transfer-Encoding", "chunked") {
		if http11 {
			return FramingChunked, -1
		}
		return FramingClose, -1
	}
	if v := in.Header.Get("Content-Length"); v != "" {
		if n, ok := ParseContentLength(v); ok {
			return FramingLength, n
		}
	}
	if in.Known {
		return FramingLength, in.Length
	}
	if http11 {
		return FramingChunked, -1
	}
	return FramingClose, -1
}

// Head is everything needed to write a response head
type Head struct {
	Major, Minor int // response version, follows the request
	Status       int
	Reason       string
	Header       Header
	Framing      Framing
	Length       int64
	KeepAlive    bool
}

// AppendHead writes status line, app headers in their order, then the framing
// and connection headers the app didn't set
// fields that contradict the chosen framing or length are dropped
func AppendHead(dst []byte, h *Head) []byte {
	dst = AppendStatusLine(dst, h.Major, h.Minor, h.Status, h.Reason)

	var hasLength, hasTE, hasConn bool
	for _, f := range h.Header {
		switch {
		case strings.EqualFold(f.Name, "Content-Length"):
			if h.Framing == FramingChunked || h.Framing == FramingClose {
				continue
			}
			if h.Framing == FramingLength {
				if n, ok := ParseContentLength(f.Value); hasLength || !ok || n != h.Length {
					continue
				}
			}
			hasLength = true
		case strings.EqualFold(f.Name, "Transfer-Encoding"):
			if h.Framing != FramingChunked {
				continue
			}
			hasTE = true
		case strings.EqualFold(f.Name, "Connection"):
			if !h.KeepAlive {
				continue
			}
			hasConn = true
		}
		dst = appendField(dst, f.Name, f.Value)
	}

	switch h.Framing {
	case FramingLength:
		if !hasLength {
			dst = append(dst, "Content-Length: "...)
			dst = AppendUint(dst, uint64(h.Length))
			dst = append(dst, crlf...)
		}
	case FramingChunked:
		if !hasTE {
			dst = appendField(dst, "Transfer-Encoding", "chunked")
		}
	}

	if !hasConn {
		http10 := h.Major == 1 && h.Minor == 0
		switch {
		case !h.KeepAlive:
			dst = appendField(dst, "Connection", "close")
		case http10:
			dst = appendField(dst, "Connection", "keep-alive")
		}
	}
	return append(dst, crlf...)
}

// AppendContinue writes interim 100 response
func AppendContinue(dst []byte) []byte {
	return append(dst, "HTTP/1.1 100 Continue\r\n\r\n"...)
}

// SimpleResponse builds a complete text/plain response with reason phrase as body
// the connection is always closed after it
func SimpleResponse(code int) []byte {
	body := StatusText(code) + "\n"

	dst := make([]byte, 0, 128+len(body))
	dst = AppendHead(dst, &Head{
		Major:   1,
		Minor:   1,
		Status:  code,
		Header:  Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		Framing: FramingLength,
		Length:  int64(len(body)),
	})
	return append(dst, body...)
}

// ErrorResponse builds the response for a parse error
func ErrorResponse(err *Error) []byte {
	return SimpleResponse(err.Kind.Status())
}
