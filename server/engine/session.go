package engine

import (
	"time"
)

// session is a connection owned by exactly one shard
// buf, offset for raw data; Ctx is the protocol layer state for this conn
// only the owning shard goroutine touches a session, so no locks here
type Session struct {
	ID    uint64 // handle, unique within the shard
	Shard int
	T     Transport

	// read buffer; it is taken from the pool only when needed
	// so idle keep-alive conns don't hold big bufs
	Buf    []byte
	Offset int

	LastActive time.Time
	OpenedAt   time.Time

	// request cycle in flight: on drain busy sessions finish, idle ones are closed
	Busy bool

	Ctx any

	interest uint32
	draining bool
	closed   bool
	pool     *Pool
}

// Draining reports that the server is shutting down:
// finish the current cycle but do not start a new one
func (s *Session) Draining() bool {
	return s.draining
}

// Touch marks activity for the idle sweep
func (s *Session) Touch() {
	s.LastActive = time.Now()
}

// Unread returns bytes received but not consumed yet
func (s *Session) Unread() []byte {
	if s.Buf == nil {
		return nil
	}
	return s.Buf[:s.Offset]
}

// Consume drops n bytes from the front of the buffer, leftovers are moved to the start
func (s *Session) Consume(n int) {
	if n <= 0 {
		return
	}
	rem := s.Offset - n
	if rem > 0 {
		copy(s.Buf, s.Buf[n:s.Offset])
	}
	s.Offset = rem
}

// Fill reads from transport into the free part of buffer until it would block or is full
// returns number of bytes read and the first error (ErrWouldBlock is not returned)
func (s *Session) Fill() (int, error) {
	if s.Buf == nil {
		s.Buf = s.pool.getBuf()
	}

	total := 0
	for s.Offset < len(s.Buf) {
		n, err := s.T.Read(s.Buf[s.Offset:])
		if n > 0 {
			s.Offset += n
			total += n
		}
		if err != nil {
			if err == ErrWouldBlock {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// Full reports that the read buffer has no free space
func (s *Session) Full() bool {
	return s.Buf != nil && s.Offset >= len(s.Buf)
}

// release buffer back to the pool when nothing is pending
func (s *Session) releaseBuf() {
	if s.Buf != nil && s.Offset == 0 {
		s.pool.putBuf(s.Buf)
		s.Buf = nil
	}
}

// reset session for put it to pool
func (s *Session) reset() {
	s.ID = 0
	s.Shard = 0
	s.T = nil
	s.Buf = nil
	s.Offset = 0
	s.LastActive = time.Time{}
	s.OpenedAt = time.Time{}
	s.Busy = false
	s.Ctx = nil
	s.interest = 0
	s.draining = false
	s.closed = false
	s.pool = nil
}
