package protocol

// Request is a fully parsed request
// it owns all its memory (nothing points into the connection buffer)
// and is never changed after the parser reports it complete
type Request struct {
	Method  string
	Target  string // as sent
	RawPath string // target before '?', not decoded
	Path    string // percent-decoded RawPath
	Query   string // after '?', not decoded

	Proto        string // "HTTP/1.1"
	Major, Minor int

	Header  Header
	Trailer Header // fields after chunked body

	Body          []byte
	ContentLength int64 // len(Body) once complete
	Chunked       bool

	// KeepAlive is what the client asked for
	KeepAlive bool
	// Ambiguous: both Transfer-Encoding and Content-Length were sent
	Ambiguous bool
	// Expect: 100-continue
	Expect bool

	RemoteAddr string
}

// ProtoAtLeast reports whether request version is at least major.minor
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.Major > major || r.Major == major && r.Minor >= minor
}
