// file with epoll settings
// only low level epoll functional, one poller per shard and one for the acceptor
package engine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const (
	maxEvents = 128

	// level-triggered interests
	readEvents  = unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
)

// poller is an epoll instance plus eventfd to wake it up from other goroutines
type poller struct {
	fd     int
	wakefd int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	// creating new epoll instance
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{fd: epfd, wakefd: wfd, events: make([]unix.EpollEvent, maxEvents)}
	if err := p.add(wfd, unix.EPOLLIN); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) mod(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) del(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait for events, msec < 0 blocks forever
// EINTR is reported as zero events
func (p *poller) wait(msec int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return p.events[:n], nil
}

// wake up the loop blocked in wait, safe from any goroutine
func (p *poller) wake() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	if err == unix.EAGAIN {
		// counter is already non-zero, loop will wake anyway
		return nil
	}
	return err
}

// drain eventfd counter after wakeup
func (p *poller) drainWake() {
	var b [8]byte
	unix.Read(p.wakefd, b[:])
}

func (p *poller) close() {
	unix.Close(p.wakefd)
	unix.Close(p.fd)
}
