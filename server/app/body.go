package app

import (
	"errors"
	"io"
)

// Body is a lazy sequence of response chunks
// Next returns io.EOF after the last chunk (possibly together with it), empty chunks are skipped;
// a chunk is valid until the next call to Next
// Close is called exactly once by the server, on completion or abort
type Body interface {
	Next() ([]byte, error)
	Close() error
}

// Sized is implemented by bodies that know their total length up front
type Sized interface {
	Len() int64
}

const readerChunk = 32 << 10

type bytesBody struct {
	chunks [][]byte
	total  int64
}

// Bytes is a body of in-memory chunks, its length is known
func Bytes(chunks ...[]byte) Body {
	b := &bytesBody{chunks: chunks}
	for _, c := range chunks {
		b.total += int64(len(c))
	}
	return b
}

// String is Bytes for a single string
func String(s string) Body {
	return Bytes([]byte(s))
}

func (b *bytesBody) Next() ([]byte, error) {
	if len(b.chunks) == 0 {
		return nil, io.EOF
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return c, nil
}

func (b *bytesBody) Close() error { return nil }
func (b *bytesBody) Len() int64   { return b.total }

// Empty body, length 0
func Empty() Body {
	return &bytesBody{}
}

type genBody struct {
	next  func() ([]byte, error)
	close func() error
	done  bool
}

// Generator calls next for every chunk until it returns io.EOF
func Generator(next func() ([]byte, error)) Body {
	return &genBody{next: next}
}

// GeneratorWithClose is Generator with a cleanup func run by Close
func GeneratorWithClose(next func() ([]byte, error), close func() error) Body {
	return &genBody{next: next, close: close}
}

func (g *genBody) Next() ([]byte, error) {
	if g.done {
		return nil, io.EOF
	}
	p, err := g.next()
	if err != nil {
		g.done = true
		if errors.Is(err, io.EOF) {
			return p, io.EOF
		}
	}
	return p, err
}

func (g *genBody) Close() error {
	g.done = true
	if g.close != nil {
		c := g.close
		g.close = nil
		return c()
	}
	return nil
}

type readerBody struct {
	r   io.Reader
	buf []byte
}

// Reader streams r in blocks, r is closed with the body if it is an io.Closer
func Reader(r io.Reader) Body {
	return &readerBody{r: r}
}

func (b *readerBody) Next() ([]byte, error) {
	if b.buf == nil {
		b.buf = make([]byte, readerChunk)
	}
	n, err := b.r.Read(b.buf)
	return b.buf[:n], err
}

func (b *readerBody) Close() error {
	if c, ok := b.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
