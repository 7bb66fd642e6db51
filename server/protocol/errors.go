package protocol

import "fmt"

// Kind of request parsing failure
type Kind uint8

const (
	KindRequestLineTooLong Kind = iota + 1
	KindMalformedRequestLine
	KindUnsupportedVersion
	KindMalformedHeader
	KindHeadersTooLarge
	KindTooManyHeaders
	KindMalformedContentLength
	KindUnsupportedTransferEncoding
	KindLengthRequired
	KindMalformedChunk
	KindBodyTooLarge
)

// Class groups kinds: broken framing vs configured limit exceeded
type Class uint8

const (
	ClassProtocol Class = iota + 1
	ClassLimit
)

func (c Class) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassLimit:
		return "limit"
	}
	return "unknown"
}

var kindNames = [...]string{
	KindRequestLineTooLong:          "request line too long",
	KindMalformedRequestLine:        "malformed request line",
	KindUnsupportedVersion:          "unsupported http version",
	KindMalformedHeader:             "malformed header",
	KindHeadersTooLarge:             "headers too large",
	KindTooManyHeaders:              "too many headers",
	KindMalformedContentLength:      "malformed content-length",
	KindUnsupportedTransferEncoding: "unsupported transfer-encoding",
	KindLengthRequired:              "length required",
	KindMalformedChunk:              "malformed chunk",
	KindBodyTooLarge:                "body too large",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status is the response code sent for this kind
func (k Kind) Status() int {
	switch k {
	case KindRequestLineTooLong:
		return 414
	case KindUnsupportedVersion:
		return 505
	case KindHeadersTooLarge, KindTooManyHeaders:
		return 431
	case KindUnsupportedTransferEncoding:
		return 501
	case KindLengthRequired:
		return 411
	case KindBodyTooLarge:
		return 413
	}
	return 400
}

func (k Kind) Class() Class {
	switch k {
	case KindRequestLineTooLong, KindHeadersTooLarge, KindTooManyHeaders, KindBodyTooLarge:
		return ClassLimit
	}
	return ClassProtocol
}

// Error is a terminal parser error
// Respondable is false when input didn't look like HTTP at all, conn is just closed then
type Error struct {
	Kind        Kind
	Detail      string
	Respondable bool
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "protocol: " + e.Kind.String()
	}
	return "protocol: " + e.Kind.String() + ": " + e.Detail
}

func newError(k Kind, detail string) *Error {
	return &Error{Kind: k, Detail: detail, Respondable: true}
}
