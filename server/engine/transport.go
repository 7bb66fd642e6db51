// non-blocking byte stream over a socket fd
// no HTTP logic here, engine works only w bytes
package engine

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Transport is a non-blocking bidirectional byte stream (tcp or unix socket)
// calls never suspend the caller: if nothing can be done right now ErrWouldBlock is returned
type Transport interface {
	// Read returns ErrWouldBlock if no data, ErrClosed on orderly peer close
	Read(p []byte) (int, error)

	// Write may be partial, caller tracks the offset and retries on write readiness
	Write(p []byte) (int, error)

	// SendFile transfers count bytes of f starting at offset
	// zero-copy when the kernel supports it, buffered pread+write otherwise
	SendFile(f *os.File, offset int64, count int) (int, error)

	// ShutdownWrite half-closes the stream (FIN to peer)
	ShutdownWrite() error

	Close() error
	Fd() int
	RemoteAddr() string
	LocalAddr() string
}

// size of the buffer for sendfile fallback
const fileChunkSize = 32 << 10

var fileBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, fileChunkSize)
		return &b
	},
}

type socketTransport struct {
	fd     int
	remote string
	local  string
	closed bool

	// sendfile(2) is not supported for this pair of fds, use pread+write
	noSendfile bool
}

// NewTransport wraps a connected non-blocking socket
func NewTransport(fd int, remote string) Transport {
	return &socketTransport{fd: fd, remote: remote}
}

func (t *socketTransport) Fd() int            { return t.fd }
func (t *socketTransport) RemoteAddr() string { return t.remote }

// LocalAddr is the address the peer connected to
func (t *socketTransport) LocalAddr() string {
	if t.local == "" {
		if sa, err := unix.Getsockname(t.fd); err == nil {
			t.local = sockaddrString(sa)
		}
	}
	return t.local
}

func (t *socketTransport) Read(p []byte) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(t.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, newTransportError("read", err)
		}
		if n == 0 && len(p) > 0 {
			return 0, ErrClosed
		}
		return n, nil
	}
}

func (t *socketTransport) Write(p []byte) (int, error) {
	if t.closed {
		return 0, &TransportError{Op: "write", Err: unix.EBADF, Fatal: true}
	}

	total := 0
	for total < len(p) {
		n, err := unix.Write(t.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if n > 0 {
			total += n
		}
		if err != nil {
			if err == unix.EAGAIN && total > 0 {
				// partial write, caller waits for write readiness
				return total, nil
			}
			return total, newTransportError("write", err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (t *socketTransport) SendFile(f *os.File, offset int64, count int) (int, error) {
	if t.closed {
		return 0, &TransportError{Op: "sendfile", Err: unix.EBADF, Fatal: true}
	}
	if count <= 0 {
		return 0, nil
	}

	if !t.noSendfile {
		off := offset
		for {
			n, err := unix.Sendfile(t.fd, int(f.Fd()), &off, count)
			if err == unix.EINTR {
				continue
			}
			switch err {
			case nil:
				return n, nil
			case unix.EAGAIN:
				if n > 0 {
					return n, nil
				}
				return 0, ErrWouldBlock
			case unix.EINVAL, unix.ENOSYS, unix.EOPNOTSUPP:
				t.noSendfile = true
			default:
				return 0, newTransportError("sendfile", err)
			}
			break
		}
	}

	return t.copyFile(f, offset, count)
}

// buffered fallback: pread one block and write it
// bytes that were read but not written are read again next time (offset tracked by caller)
func (t *socketTransport) copyFile(f *os.File, offset int64, count int) (int, error) {
	bp := fileBufPool.Get().(*[]byte)
	defer fileBufPool.Put(bp)

	buf := *bp
	if count < len(buf) {
		buf = buf[:count]
	}

	n, err := f.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		if errors.Is(err, io.EOF) {
			return 0, &TransportError{Op: "sendfile", Err: io.ErrUnexpectedEOF, Fatal: true}
		}
		return 0, &TransportError{Op: "sendfile", Err: err, Fatal: true}
	}

	w, err := t.Write(buf[:n])
	if err != nil {
		return w, err
	}
	return w, nil
}

func (t *socketTransport) ShutdownWrite() error {
	if t.closed {
		return nil
	}
	if err := unix.Shutdown(t.fd, unix.SHUT_WR); err != nil && err != unix.ENOTCONN {
		return &TransportError{Op: "shutdown", Err: err, Fatal: true}
	}
	return nil
}

func (t *socketTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := unix.Close(t.fd); err != nil {
		return &TransportError{Op: "close", Err: err, Fatal: true}
	}
	return nil
}
