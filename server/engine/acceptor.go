// accept loop: the only place where listening sockets are touched
// accepted fds are handed to the pool
package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// how long a listener stays out of epoll after accept ran out of fds or memory
const acceptBackoff = 100 * time.Millisecond

// Acceptor is a single accept loop over one or more listeners
type Acceptor struct {
	listeners []*Listener
	pool      *Pool
	poll      *poller
	log       logrus.FieldLogger
	accept    func(fd, flags int) (int, unix.Sockaddr, error)

	// listeners out of epoll until the time, and how many back-offs in a row
	paused map[*Listener]time.Time
	streak map[*Listener]int

	stopping atomic.Bool
	done     chan struct{}
	once     sync.Once
}

// NewAcceptor registers listeners in a private epoll instance
func NewAcceptor(ls []*Listener, pool *Pool, log logrus.FieldLogger) (*Acceptor, error) {
	if len(ls) == 0 {
		return nil, errors.New("engine: no listeners")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	poll, err := newPoller()
	if err != nil {
		return nil, err
	}
	for _, l := range ls {
		if err := poll.add(l.Fd(), unix.EPOLLIN); err != nil {
			poll.close()
			return nil, err
		}
	}
	return &Acceptor{
		listeners: ls,
		pool:      pool,
		poll:      poll,
		log:       log.WithField("component", "acceptor"),
		accept:    unix.Accept4,
		paused:    make(map[*Listener]time.Time),
		streak:    make(map[*Listener]int),
		done:      make(chan struct{}),
	}, nil
}

// Run accepts until Stop, blocks
// failure of epoll itself is returned, accept errors are logged
func (a *Acceptor) Run() error {
	defer close(a.done)
	defer a.poll.close()

	byFd := make(map[int]*Listener, len(a.listeners))
	for _, l := range a.listeners {
		byFd[l.Fd()] = l
	}

	for !a.stopping.Load() {
		evs, err := a.poll.wait(a.resumeIn())
		if err != nil {
			return err
		}
		if err := a.resume(time.Now()); err != nil {
			return err
		}
		for _, ev := range evs {
			fd := int(ev.Fd)
			if fd == a.poll.wakefd {
				a.poll.drainWake()
				continue
			}
			if l := byFd[fd]; l != nil && !a.stopping.Load() {
				a.acceptAll(l)
			}
		}
	}
	return nil
}

// wait timeout in msec until the first paused listener is due, -1 when none is
func (a *Acceptor) resumeIn() int {
	if len(a.paused) == 0 {
		return -1
	}
	var first time.Time
	for _, at := range a.paused {
		if first.IsZero() || at.Before(first) {
			first = at
		}
	}
	return max(int(time.Until(first)/time.Millisecond)+1, 0)
}

// put listeners back into epoll once their back-off is over
func (a *Acceptor) resume(now time.Time) error {
	for l, at := range a.paused {
		if now.Before(at) {
			continue
		}
		if err := a.poll.add(l.Fd(), unix.EPOLLIN); err != nil {
			return err
		}
		delete(a.paused, l)
	}
	return nil
}

// take listener out of epoll, it is level triggered and would spin while the error lasts
func (a *Acceptor) pause(l *Listener, err error) {
	a.poll.del(l.Fd())
	a.paused[l] = time.Now().Add(acceptBackoff)
	a.streak[l]++

	entry := a.log.WithError(err).WithFields(logrus.Fields{
		"listener": l.Addr().String(),
		"backoff":  acceptBackoff,
	})
	if n := a.streak[l]; n == 1 {
		entry.Error("accept failed twice, pausing listener")
	} else {
		entry.WithField("streak", n).Debug("accept still failing")
	}
}

// accept as many connections as are queued
func (a *Acceptor) acceptAll(l *Listener) {
	retried := false
	for !a.stopping.Load() {
		nfd, sa, err := a.accept(l.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				// no more to accept
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
				if !retried {
					retried = true
					a.log.WithError(err).WithField("listener", l.Addr().String()).Debug("transient accept error, retrying")
					continue
				}
				a.pause(l, err)
				return
			default:
				a.log.WithError(err).WithField("listener", l.Addr().String()).Error("accept")
				return
			}
		}
		retried = false
		if n := a.streak[l]; n > 0 {
			a.log.WithFields(logrus.Fields{"listener": l.Addr().String(), "streak": n}).Info("accept recovered")
			delete(a.streak, l)
		}

		remote := "?"
		if sa != nil {
			remote = sockaddrString(sa)
		}
		if l.Addr().Network == "unix" && remote == "@" {
			remote = l.Addr().Address
		}
		if l.Addr().Network == "tcp" {
			unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}

		if err := a.pool.Dispatch(nfd, remote); err != nil {
			a.log.WithError(err).Debug("dispatch")
		}
	}
}

// Stop breaks the loop and waits for it, listeners are not closed here
func (a *Acceptor) Stop() {
	a.once.Do(func() {
		a.stopping.Store(true)
		a.poll.wake()
	})
	<-a.done
}
