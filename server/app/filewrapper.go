package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const fileBlock = 32 << 10

// FileWrapper is a body that sends a byte range of a file
// the server sends it with sendfile, Next is the fallback for anything else
type FileWrapper struct {
	f      *os.File
	path   string
	offset int64
	length int64

	pos  int64 // bytes handed out by Next
	buf  []byte
	once sync.Once
	cerr error
}

// OpenFile opens path read-only and checks the range against its size
// length < 0 means up to the end of file
func OpenFile(path string, offset, length int64) (*FileWrapper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("app: open file body: %w", err)
	}
	w, err := NewFileWrapper(f, offset, length)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// NewFileWrapper wraps already opened f, the wrapper owns f from now on
func NewFileWrapper(f *os.File, offset, length int64) (*FileWrapper, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("app: stat file body: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("app: %s is not a regular file", f.Name())
	}

	size := fi.Size()
	if length < 0 && offset >= 0 && offset <= size {
		length = size - offset
	}
	if offset < 0 || length < 0 || offset+length > size {
		return nil, &FileRangeError{Path: f.Name(), Offset: offset, Length: length, Size: size}
	}
	return &FileWrapper{f: f, path: f.Name(), offset: offset, length: length}, nil
}

func (w *FileWrapper) File() *os.File { return w.f }

// Range returns offset and length of bytes to send
func (w *FileWrapper) Range() (int64, int64) { return w.offset, w.length }

func (w *FileWrapper) Len() int64 { return w.length }

func (w *FileWrapper) Path() string { return w.path }

func (w *FileWrapper) Next() ([]byte, error) {
	left := w.length - w.pos
	if left <= 0 {
		return nil, io.EOF
	}
	if w.buf == nil {
		w.buf = make([]byte, min(fileBlock, left))
	}

	b := w.buf[:min(int64(len(w.buf)), left)]
	n, err := w.f.ReadAt(b, w.offset+w.pos)
	w.pos += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) && n < len(b) {
			// file shrank after open
			return b[:n], io.ErrUnexpectedEOF
		}
		if !errors.Is(err, io.EOF) {
			return b[:n], err
		}
	}
	return b[:n], nil
}

// Close closes the file exactly once, later calls return the first result
func (w *FileWrapper) Close() error {
	w.once.Do(func() {
		w.cerr = w.f.Close()
	})
	return w.cerr
}
