// session management and shard logic
// every shard is a goroutine with its own epoll instance and its own sessions,
// a session never migrates to another shard so there is no cross-shard sync on conn state
package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Action tells the shard what to wait for next on a session
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionClose:
		return "close"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Handler drives protocol on top of sessions, it is called only from the owning shard goroutine
type Handler interface {
	OnOpen(s *Session)
	OnReadable(s *Session) Action
	OnWritable(s *Session) Action
	OnTimeout(s *Session)
	OnError(s *Session, err error)
	OnClose(s *Session)
}

// Counters receives connection level stats, may be nil
type Counters interface {
	ConnOpened()
	ConnClosed()
}

// Options for pool
type Options struct {
	Shards         int
	KeepAlive      time.Duration // idle timeout for sessions
	ReadBufferSize int
	HandoffSize    int
	Logger         logrus.FieldLogger
	Counters       Counters
}

const (
	defaultHandoffSize = 1024
	defaultReadBuffer  = 1<<16 - 1
	minSweepInterval   = 10 * time.Millisecond
	maxSweepInterval   = time.Second
)

// ErrPoolClosed is returned by Dispatch after Shutdown
var ErrPoolClosed = errors.New("engine: pool is shut down")

// session pool, sessions are reused across shards after reset
var sessionPool = sync.Pool{
	New: func() any {
		return &Session{}
	},
}

// Pool is a fixed set of shards
type Pool struct {
	opts    Options
	h       Handler
	shards  []*shard
	next    atomic.Uint32
	bufPool sync.Pool

	life    sync.Mutex // orders Start against Shutdown
	started atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewPool creates shards and their pollers, call Start to run them
func NewPool(h Handler, opts Options) (*Pool, error) {
	if h == nil {
		return nil, errors.New("engine: nil handler")
	}
	if opts.Shards <= 0 {
		return nil, fmt.Errorf("engine: bad shard count %d", opts.Shards)
	}
	if opts.KeepAlive <= 0 {
		return nil, fmt.Errorf("engine: bad keep-alive timeout %v", opts.KeepAlive)
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBuffer
	}
	if opts.HandoffSize <= 0 {
		opts.HandoffSize = defaultHandoffSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	p := &Pool{opts: opts, h: h}
	size := opts.ReadBufferSize
	p.bufPool.New = func() any {
		return make([]byte, size)
	}

	sweep := opts.KeepAlive / 4
	sweep = max(sweep, minSweepInterval)
	sweep = min(sweep, maxSweepInterval)

	for i := range opts.Shards {
		poll, err := newPoller()
		if err != nil {
			for _, sh := range p.shards {
				sh.poll.close()
			}
			return nil, fmt.Errorf("engine: shard %d poller: %w", i, err)
		}
		p.shards = append(p.shards, &shard{
			idx:        i,
			pool:       p,
			poll:       poll,
			handoff:    make(chan handoff, opts.HandoffSize),
			conns:      make(map[int]*Session),
			sweepEvery: sweep,
			log:        opts.Logger.WithField("shard", i),
			done:       make(chan struct{}),
		})
	}
	return p, nil
}

// Start runs every shard in its own goroutine,
// no-op after Shutdown
func (p *Pool) Start() {
	p.life.Lock()
	defer p.life.Unlock()
	if p.stopped.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, sh := range p.shards {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			sh.run()
		}()
	}
}

// Shards returns number of shards
func (p *Pool) Shards() int {
	return len(p.shards)
}

// Load returns number of sessions owned by shard i
func (p *Pool) Load(i int) int {
	return int(p.shards[i].load.Load())
}

// Dispatch hands accepted fd to the least loaded shard, ties are broken round-robin
// the shard takes ownership of fd
func (p *Pool) Dispatch(fd int, remote string) error {
	if p.stopped.Load() {
		unix.Close(fd)
		return ErrPoolClosed
	}

	n := len(p.shards)
	start := int(p.next.Add(1)-1) % n
	best := p.shards[start]
	for i := 1; i < n; i++ {
		sh := p.shards[(start+i)%n]
		if sh.load.Load() < best.load.Load() {
			best = sh
		}
	}

	best.load.Add(1)
	best.handoff <- handoff{fd: fd, remote: remote}
	if err := best.poll.wake(); err != nil {
		best.log.WithError(err).Warn("wake shard")
	}
	return nil
}

// Shutdown makes every shard reject new cycles, finish in-flight ones and close;
// sessions still active at deadline are closed by force. Blocks until all shards exit.
func (p *Pool) Shutdown(deadline time.Time) {
	p.life.Lock()
	if !p.stopped.CompareAndSwap(false, true) {
		p.life.Unlock()
		p.wg.Wait()
		return
	}
	started := p.started.Load()
	p.life.Unlock()

	if !started {
		for _, sh := range p.shards {
			sh.closeHandoffs()
			sh.poll.close()
		}
		return
	}
	for _, sh := range p.shards {
		sh.deadline.Store(deadline.UnixNano())
		sh.draining.Store(true)
		sh.poll.wake()
	}
	p.wg.Wait()
}

// Expire moves the drain deadline to now, busy sessions are closed by force
func (p *Pool) Expire() {
	if !p.stopped.Load() || !p.started.Load() {
		return
	}
	now := time.Now().UnixNano()
	for _, sh := range p.shards {
		sh.deadline.Store(now)
		sh.poll.wake()
	}
}

func (p *Pool) getBuf() []byte {
	return p.bufPool.Get().([]byte)
}

func (p *Pool) putBuf(b []byte) {
	p.bufPool.Put(b[:cap(b)])
}

type handoff struct {
	fd     int
	remote string
}

type shard struct {
	idx  int
	pool *Pool
	poll *poller

	// single producer (acceptor), single consumer (this shard)
	handoff chan handoff

	// registry owned by this shard only, keyed by fd
	conns  map[int]*Session
	nextID uint64
	load   atomic.Int64

	sweepEvery time.Duration
	draining   atomic.Bool
	deadline   atomic.Int64
	drainSeen  bool

	log  logrus.FieldLogger
	done chan struct{}
}

func (sh *shard) run() {
	defer close(sh.done)
	defer sh.finish()

	lastSweep := time.Now()
	for {
		msec := int(sh.sweepEvery / time.Millisecond)
		if sh.draining.Load() {
			if left := time.Until(time.Unix(0, sh.deadline.Load())); left < sh.sweepEvery {
				msec = max(int(left/time.Millisecond), 0)
			}
		}

		evs, err := sh.poll.wait(msec)
		if err != nil {
			sh.log.WithError(err).Error("epoll wait failed, stopping shard")
			return
		}

		began := time.Now()
		called := sh.dispatch(evs)
		now := time.Now()

		// a callback blocked the loop: sessions that became ready meanwhile
		// are not idle, collect them before the sweep judges LastActive
		for called && now.Sub(began) >= sh.sweepEvery {
			if evs, err = sh.poll.wait(0); err != nil {
				sh.log.WithError(err).Error("epoll wait failed, stopping shard")
				return
			}
			began = now
			called = sh.dispatch(evs)
			now = time.Now()
		}

		if now.Sub(lastSweep) >= sh.sweepEvery {
			sh.sweep(now)
			lastSweep = now
		}
		if sh.draining.Load() && sh.drain(now) {
			return
		}
	}
}

// dispatch handles one batch of events, reports whether the handler was called
func (sh *shard) dispatch(evs []unix.EpollEvent) bool {
	called := false
	for _, ev := range evs {
		fd := int(ev.Fd)
		if fd == sh.poll.wakefd {
			sh.poll.drainWake()
			sh.takeHandoffs()
			continue
		}
		if s := sh.conns[fd]; s != nil {
			sh.event(s, ev.Events)
			called = true
		}
	}
	return called
}

// register new conns from acceptor
func (sh *shard) takeHandoffs() {
	for {
		select {
		case ho := <-sh.handoff:
			sh.open(ho)
		default:
			return
		}
	}
}

func (sh *shard) open(ho handoff) {
	if sh.draining.Load() {
		unix.Close(ho.fd)
		sh.load.Add(-1)
		return
	}

	s := sessionPool.Get().(*Session)
	s.reset()
	sh.nextID++
	s.ID = sh.nextID
	s.Shard = sh.idx
	s.T = NewTransport(ho.fd, ho.remote)
	s.pool = sh.pool
	s.OpenedAt = time.Now()
	s.LastActive = s.OpenedAt
	s.interest = readEvents

	if err := sh.poll.add(ho.fd, readEvents); err != nil {
		sh.log.WithError(err).WithField("remote", ho.remote).Warn("epoll add")
		s.T.Close()
		sh.load.Add(-1)
		sessionPool.Put(s)
		return
	}
	sh.conns[ho.fd] = s
	if c := sh.pool.opts.Counters; c != nil {
		c.ConnOpened()
	}
	sh.pool.h.OnOpen(s)
}

func (sh *shard) event(s *Session, events uint32) {
	defer func() {
		if r := recover(); r != nil {
			sh.log.WithFields(logrus.Fields{
				"remote": s.T.RemoteAddr(),
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("handler panic, closing connection")
			sh.close(s)
		}
	}()

	s.Touch()

	if events&unix.EPOLLERR != 0 {
		if errno, err := unix.GetsockoptInt(s.T.Fd(), unix.SOL_SOCKET, unix.SO_ERROR); err == nil && errno != 0 {
			sh.pool.h.OnError(s, &TransportError{Op: "poll", Err: unix.Errno(errno), Fatal: true})
			sh.close(s)
			return
		}
	}

	var act Action
	if s.interest&unix.EPOLLOUT != 0 {
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) == 0 {
			return
		}
		act = sh.pool.h.OnWritable(s)
	} else {
		act = sh.pool.h.OnReadable(s)
	}
	// idle time starts when the callback returns, not when it was entered
	s.Touch()
	sh.apply(s, act)
}

func (sh *shard) apply(s *Session, act Action) {
	if s.closed {
		return
	}

	var want uint32
	switch act {
	case ActionClose:
		sh.close(s)
		return
	case ActionWrite:
		want = writeEvents
	default:
		want = readEvents
		s.releaseBuf()
	}

	if want != s.interest {
		if err := sh.poll.mod(s.T.Fd(), want); err != nil {
			sh.pool.h.OnError(s, &TransportError{Op: "epoll_ctl", Err: err, Fatal: true})
			sh.close(s)
			return
		}
		s.interest = want
	}
}

// close sessions without I/O progress for longer than keep-alive timeout
func (sh *shard) sweep(now time.Time) {
	ka := sh.pool.opts.KeepAlive
	for _, s := range sh.conns {
		if now.Sub(s.LastActive) > ka {
			sh.pool.h.OnTimeout(s)
			sh.close(s)
		}
	}
}

// drain closes idle sessions, lets busy ones finish until deadline
// returns true when shard has nothing left
func (sh *shard) drain(now time.Time) bool {
	if !sh.drainSeen {
		sh.drainSeen = true
		sh.takeHandoffs()
		for _, s := range sh.conns {
			s.draining = true
		}
	}

	expired := now.UnixNano() >= sh.deadline.Load()
	for _, s := range sh.conns {
		if !s.Busy || expired {
			if s.Busy {
				sh.pool.h.OnTimeout(s)
			}
			sh.close(s)
		}
	}
	return len(sh.conns) == 0
}

func (sh *shard) close(s *Session) {
	if s.closed {
		return
	}
	s.closed = true

	fd := s.T.Fd()
	sh.poll.del(fd)
	delete(sh.conns, fd)

	sh.pool.h.OnClose(s)
	s.T.Close()
	sh.load.Add(-1)
	if c := sh.pool.opts.Counters; c != nil {
		c.ConnClosed()
	}

	// clearing session before put it to pool
	if s.Buf != nil {
		sh.pool.putBuf(s.Buf)
	}
	s.reset()
	sessionPool.Put(s)
}

func (sh *shard) closeHandoffs() {
	for {
		select {
		case ho := <-sh.handoff:
			unix.Close(ho.fd)
			sh.load.Add(-1)
		default:
			return
		}
	}
}

func (sh *shard) finish() {
	for _, s := range sh.conns {
		sh.pool.h.OnTimeout(s)
		sh.close(s)
	}
	sh.closeHandoffs()
	sh.poll.close()
}
