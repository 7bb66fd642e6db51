// socket creating: bind and listen on tcp or unix addresses
package engine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Addr is a parsed listen address
type Addr struct {
	Network string // "tcp" or "unix"
	Address string // host:port or socket path
}

func (a Addr) String() string {
	if a.Network == "unix" {
		return "unix://" + a.Address
	}
	return "tcp://" + a.Address
}

// ParseAddr accepts "tcp://host:port", "unix:///path/to.sock" or bare "host:port"
func ParseAddr(s string) (Addr, error) {
	switch {
	case strings.HasPrefix(s, "unix://"):
		path := strings.TrimPrefix(s, "unix://")
		if path == "" {
			return Addr{}, fmt.Errorf("engine: empty unix socket path in %q", s)
		}
		return Addr{Network: "unix", Address: path}, nil
	case strings.HasPrefix(s, "tcp://"):
		s = strings.TrimPrefix(s, "tcp://")
	}

	if _, _, err := net.SplitHostPort(s); err != nil {
		return Addr{}, fmt.Errorf("engine: bad listen address %q: %w", s, err)
	}
	return Addr{Network: "tcp", Address: s}, nil
}

// Listener is a non-blocking listening socket
type Listener struct {
	fd   int
	addr Addr
}

// Listen creates new socket, binds it and starts listening
func Listen(a Addr) (*Listener, error) {
	var (
		fd  int
		err error
	)
	switch a.Network {
	case "tcp":
		fd, err = listenTCP(a.Address)
	case "unix":
		fd, err = listenUnix(a.Address)
	default:
		err = fmt.Errorf("engine: unknown network %q", a.Network)
	}
	if err != nil {
		return nil, err
	}

	l := &Listener{fd: fd, addr: a}
	if a.Network == "tcp" {
		// port 0 means kernel picked one, we need the real address
		if sa, err := unix.Getsockname(fd); err == nil {
			l.addr.Address = sockaddrString(sa)
		}
	}
	return l, nil
}

func (l *Listener) Fd() int    { return l.fd }
func (l *Listener) Addr() Addr { return l.addr }

func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if l.addr.Network == "unix" {
		os.Remove(l.addr.Address)
	}
	return err
}

func listenTCP(address string) (int, error) {
	host, portstr, err := net.SplitHostPort(address)
	if err != nil {
		return -1, err
	}
	port, err := strconv.Atoi(portstr)
	if err != nil || port < 0 || port > 65535 {
		return -1, fmt.Errorf("engine: bad port in %q", address)
	}

	var ip net.IP
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			ips, err := net.LookupIP(host)
			if err != nil || len(ips) == 0 {
				return -1, fmt.Errorf("engine: resolve %q: %w", host, err)
			}
			ip = ips[0]
		}
	}

	var (
		domain = unix.AF_INET
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip == nil || ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	// SOCK_STREAM = TCP
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("engine: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("engine: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil { // bind socket to addr:port
		unix.Close(fd)
		return -1, fmt.Errorf("engine: bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil { // start listening on addr:port
		unix.Close(fd)
		return -1, fmt.Errorf("engine: listen %s: %w", address, err)
	}
	return fd, nil
}

func listenUnix(path string) (int, error) {
	// stale socket file from a previous run
	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return -1, fmt.Errorf("engine: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return -1, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("engine: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("engine: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("engine: listen %s: %w", path, err)
	}
	return fd, nil
}

// peer address as string for logs and REMOTE_ADDR
func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrUnix:
		if v.Name == "" {
			return "@"
		}
		return v.Name
	}
	return "?"
}
