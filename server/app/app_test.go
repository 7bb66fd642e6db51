package app

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/s00inx/appserver/server/protocol"
)

func drain(t *testing.T, b Body) string {
	t.Helper()
	var sb strings.Builder
	for {
		p, err := b.Next()
		sb.Write(p)
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
}

func TestResponse_Start(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		calls   func(r *Response) []error
		want    []error
		status  int
		headers int
	}{
		{
			name: "single call",
			calls: func(r *Response) []error {
				return []error{r.Start("200 OK", []Header{{Name: "Content-Type", Value: "text/plain"}}, nil)}
			},
			want:    []error{nil},
			status:  200,
			headers: 1,
		},
		{
			name: "second call rejected",
			calls: func(r *Response) []error {
				return []error{
					r.Start("200 OK", nil, nil),
					r.Start("404 Not Found", nil, nil),
				}
			},
			want:   []error{nil, ErrAlreadyStarted},
			status: 200,
		},
		{
			name: "revise before commit",
			calls: func(r *Response) []error {
				return []error{
					r.Start("200 OK", []Header{{Name: "X-A", Value: "1"}}, nil),
					r.Start("500 Internal Server Error", nil, boom),
				}
			},
			want:   []error{nil, nil},
			status: 500,
		},
		{
			name: "fault after commit is returned",
			calls: func(r *Response) []error {
				first := r.Start("200 OK", nil, nil)
				r.Commit()
				return []error{first, r.Start("500 Internal Server Error", nil, boom)}
			},
			want:   []error{nil, boom},
			status: 200,
		},
		{
			name: "bad status",
			calls: func(r *Response) []error {
				return []error{r.Start("OK", nil, nil), r.Start("99 x", nil, nil), r.Start("200OK", nil, nil)}
			},
			want: []error{ErrBadStatus, ErrBadStatus, ErrBadStatus},
		},
		{
			name: "bad headers",
			calls: func(r *Response) []error {
				return []error{
					r.Start("200 OK", []Header{{Name: "Bad Name", Value: "v"}}, nil),
					r.Start("200 OK", []Header{{Name: "X", Value: "a\r\nInjected: 1"}}, nil),
					r.Start("200 OK", []Header{{Name: "Content-Length", Value: "ten"}}, nil),
					r.Start("200 OK", []Header{{Name: "Content-Length", Value: "99999999999999999999"}}, nil),
				}
			},
			want: []error{ErrBadHeader, ErrBadHeader, ErrBadHeader, ErrBadHeader},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Response{}
			got := tt.calls(r)
			for i := range tt.want {
				if !errors.Is(got[i], tt.want[i]) {
					t.Errorf("call %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
			if r.Status != tt.status {
				t.Errorf("status = %d, want %d", r.Status, tt.status)
			}
			if tt.headers > 0 && len(r.Header) != tt.headers {
				t.Errorf("headers = %v", r.Header)
			}
		})
	}
}

func TestResponse_Reset(t *testing.T) {
	r := &Response{}
	r.Start("201 Created", []Header{{Name: "A", Value: "b"}}, nil)
	r.Commit()
	r.Reset()

	if r.Started() || r.Committed() || len(r.Header) != 0 || r.Status != 0 {
		t.Errorf("reset left state: %+v", r)
	}
	if err := r.Start("200 OK", nil, nil); err != nil {
		t.Errorf("start after reset: %v", err)
	}
}

func TestCall_Faults(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		app       Func
		wantPanic bool
		wantErr   error
	}{
		{
			name: "returned error",
			app: func(env *Environ, start StartResponse) (Body, error) {
				return nil, boom
			},
			wantErr: boom,
		},
		{
			name: "panic",
			app: func(env *Environ, start StartResponse) (Body, error) {
				panic("kaput")
			},
			wantPanic: true,
		},
		{
			name: "file range",
			app: func(env *Environ, start StartResponse) (Body, error) {
				return nil, &FileRangeError{Path: "x", Offset: 10, Length: 1, Size: 5}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Call(tt.app, &Environ{}, (&Response{}).Start)
			if body != nil {
				t.Error("body must be nil on fault")
			}
			var f *ApplicationFault
			if !errors.As(err, &f) {
				t.Fatalf("expected ApplicationFault, got %v", err)
			}
			if (f.Panic != nil) != tt.wantPanic {
				t.Errorf("panic = %v", f.Panic)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestCall_NilBody(t *testing.T) {
	body, err := Call(Func(func(env *Environ, start StartResponse) (Body, error) {
		return nil, start("204 No Content", nil, nil)
	}), &Environ{}, (&Response{}).Start)
	if err != nil {
		t.Fatal(err)
	}
	if got := drain(t, body); got != "" {
		t.Errorf("body = %q", got)
	}
}

func TestNext_Panic(t *testing.T) {
	b := Generator(func() ([]byte, error) { panic("in body") })
	_, err := Next(b)
	var f *ApplicationFault
	if !errors.As(err, &f) || f.Panic == nil {
		t.Fatalf("expected panic fault, got %v", err)
	}
}

func TestBodies(t *testing.T) {
	n := 0
	gen := Generator(func() ([]byte, error) {
		n++
		if n > 3 {
			return nil, io.EOF
		}
		return []byte{byte('0' + n)}, nil
	})

	closed := false
	rc := io.NopCloser(strings.NewReader(strings.Repeat("r", readerChunk+10)))
	withClose := GeneratorWithClose(func() ([]byte, error) { return []byte("x"), io.EOF }, func() error {
		closed = true
		return nil
	})

	tests := []struct {
		name string
		body Body
		want string
		size int64 // -1 unknown
	}{
		{"bytes", Bytes([]byte("he"), []byte("llo")), "hello", 5},
		{"string", String("hi"), "hi", 2},
		{"empty", Empty(), "", 0},
		{"generator", gen, "123", -1},
		{"data with eof", withClose, "x", -1},
		{"reader", Reader(rc), strings.Repeat("r", readerChunk+10), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := tt.body.(Sized)
			if ok != (tt.size >= 0) || ok && s.Len() != tt.size {
				t.Errorf("sized = %v", ok)
			}
			if got := drain(t, tt.body); got != tt.want {
				t.Errorf("got %d bytes, want %d", len(got), len(tt.want))
			}
			if err := tt.body.Close(); err != nil {
				t.Error(err)
			}
		})
	}
	if !closed {
		t.Error("generator close func not called")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenFile(t *testing.T) {
	path := writeFile(t, "0123456789")

	tests := []struct {
		name           string
		offset, length int64
		want           string
		rangeErr       bool
	}{
		{"whole", 0, -1, "0123456789", false},
		{"middle", 2, 5, "23456", false},
		{"tail", 7, -1, "789", false},
		{"empty at end", 10, 0, "", false},
		{"past end", 8, 5, "", true},
		{"offset past end", 11, -1, "", true},
		{"negative offset", -1, 2, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := OpenFile(path, tt.offset, tt.length)
			if tt.rangeErr {
				var re *FileRangeError
				if !errors.As(err, &re) {
					t.Fatalf("expected FileRangeError, got %v", err)
				}
				if Fault(err) == nil {
					t.Error("range error must convert to fault")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if w.Len() != int64(len(tt.want)) {
				t.Errorf("len = %d", w.Len())
			}
			if got := drain(t, w); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Errorf("second close: %v", err)
			}
		})
	}
}

func TestOpenFile_Missing(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "nope"), 0, -1); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v", err)
	}
}

func TestFileWrapper_Shrunk(t *testing.T) {
	path := writeFile(t, strings.Repeat("a", 100))
	w, err := OpenFile(path, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.Truncate(path, 10); err != nil {
		t.Fatal(err)
	}
	p, err := w.Next()
	if !errors.Is(err, io.ErrUnexpectedEOF) || len(p) != 10 {
		t.Errorf("got %d bytes, err %v", len(p), err)
	}
}

func TestEnviron(t *testing.T) {
	req := &protocol.Request{
		Method: "POST", Path: "/a b", RawPath: "/a%20b", Query: "x=1&name=J%C3%B6rg&x=2&flag",
		Proto: "HTTP/1.1", Major: 1, Minor: 1,
		Header: protocol.Header{
			{Name: "Host", Value: "example.com"},
			{Name: "Content-Type", Value: "application/json"},
			{Name: "X-Forwarded-For", Value: "1.1.1.1"},
			{Name: "x-forwarded-for", Value: "2.2.2.2"},
		},
		Body:          []byte(`{"k":1}`),
		ContentLength: 7,
		RemoteAddr:    "10.0.0.1:5555",
	}
	env := NewEnviron(req, ServerInfo{Name: "localhost", Port: "8080"})

	tests := []struct {
		key, want string
	}{
		{"REQUEST_METHOD", "POST"},
		{"PATH_INFO", "/a b"},
		{"QUERY_STRING", "x=1&name=J%C3%B6rg&x=2&flag"},
		{"CONTENT_TYPE", "application/json"},
		{"CONTENT_LENGTH", "7"},
		{"SERVER_NAME", "localhost"},
		{"SERVER_PORT", "8080"},
		{"SERVER_PROTOCOL", "HTTP/1.1"},
		{"REMOTE_ADDR", "10.0.0.1"},
		{"REMOTE_PORT", "5555"},
		{"wsgi.url_scheme", "http"},
		{"HTTP_HOST", "example.com"},
		{"HTTP_X_FORWARDED_FOR", "1.1.1.1, 2.2.2.2"},
		{"HTTP_MISSING", ""},
		{"NOT_A_KEY", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := env.Get(tt.key); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if v := env.QueryValue("x"); v != "1" {
		t.Errorf("QueryValue(x) = %q", v)
	}
	if v := env.QueryValue("name"); v != "Jörg" {
		t.Errorf("QueryValue(name) = %q", v)
	}
	if v := env.QueryValue("flag"); v != "" {
		t.Errorf("QueryValue(flag) = %q", v)
	}

	body, _ := io.ReadAll(env.Body)
	if string(body) != `{"k":1}` {
		t.Errorf("body = %q", body)
	}

	m := env.Map()
	if m["HTTP_HOST"] != "example.com" || m["REQUEST_METHOD"] != "POST" {
		t.Errorf("map = %v", m)
	}
	if _, ok := m["HTTP_CONTENT_TYPE"]; ok {
		t.Error("content type must not be duplicated as HTTP_ variable")
	}
}
