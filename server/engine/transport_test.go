package engine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// pair of connected non-blocking unix sockets
func socketPair(t *testing.T) (Transport, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	tr := NewTransport(fds[0], "pair")
	t.Cleanup(func() {
		tr.Close()
		unix.Close(fds[1])
	})
	return tr, fds[1]
}

func TestTransport_ReadWouldBlock(t *testing.T) {
	tr, _ := socketPair(t)

	buf := make([]byte, 16)
	n, err := tr.Read(buf)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got n=%d err=%v", n, err)
	}
	if IsFatal(err) {
		t.Error("would-block must not be fatal")
	}
}

func TestTransport_ReadWrite(t *testing.T) {
	tr, peer := socketPair(t)

	if _, err := unix.Write(peer, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := tr.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q", buf[:n])
	}

	if _, err := tr.Write([]byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err = unix.Read(peer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "world" {
		t.Errorf("got %q", buf[:n])
	}
}

func TestTransport_ReadClosed(t *testing.T) {
	tr, peer := socketPair(t)
	unix.Close(peer)

	_, err := tr.Read(make([]byte, 8))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("closed must be fatal")
	}
}

func TestTransport_PartialWrite(t *testing.T) {
	tr, peer := socketPair(t)

	// fill the socket buffer, nobody reads on the other side
	big := bytes.Repeat([]byte{'x'}, 1<<20)
	total := 0
	for {
		n, err := tr.Write(big)
		total += n
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if n < len(big) {
			// partial write, next call must would-block
			continue
		}
	}
	if total == 0 {
		t.Fatal("nothing was written")
	}

	// drain some and write again
	buf := make([]byte, 64<<10)
	if _, err := unix.Read(peer, buf); err != nil {
		t.Fatal(err)
	}
	n, err := tr.Write([]byte("more"))
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("write after drain: %v", err)
	}
	_ = n
}

func TestTransport_WriteAfterPeerClose(t *testing.T) {
	tr, peer := socketPair(t)
	unix.Close(peer)

	_, err := tr.Write([]byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestTransport_SendFile(t *testing.T) {
	tr, peer := socketPair(t)

	path := filepath.Join(t.TempDir(), "data.txt")
	content := []byte("0123456789abcdef")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	n, err := tr.SendFile(f, 4, 6)
	if err != nil {
		t.Fatalf("sendfile: %v", err)
	}
	if n != 6 {
		t.Fatalf("sent %d bytes, want 6", n)
	}

	buf := make([]byte, 32)
	r, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:r]) != "456789" {
		t.Errorf("got %q", buf[:r])
	}
}

func TestTransport_SendFileFallback(t *testing.T) {
	tr, peer := socketPair(t)
	tr.(*socketTransport).noSendfile = true

	path := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(path, []byte("hello file"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	n, err := tr.SendFile(f, 6, 4)
	if err != nil || n != 4 {
		t.Fatalf("sendfile fallback: n=%d err=%v", n, err)
	}
	buf := make([]byte, 8)
	r, _ := unix.Read(peer, buf)
	if string(buf[:r]) != "file" {
		t.Errorf("got %q", buf[:r])
	}

	// range past EOF is fatal
	if _, err := tr.SendFile(f, 100, 4); !IsFatal(err) {
		t.Errorf("expected fatal error for range past EOF, got %v", err)
	}
}

func TestTransport_ShutdownWrite(t *testing.T) {
	tr, peer := socketPair(t)

	if err := tr.ShutdownWrite(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	buf := make([]byte, 8)
	n, err := unix.Read(peer, buf)
	if err != nil || n != 0 {
		t.Errorf("peer expected EOF, got n=%d err=%v", n, err)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	// idempotent
	if err := tr.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
