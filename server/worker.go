// worker drives request/response cycles on top of engine sessions
// every call comes from the shard goroutine owning the session, the app is called synchronously
package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s00inx/appserver/server/accesslog"
	"github.com/s00inx/appserver/server/app"
	"github.com/s00inx/appserver/server/engine"
	"github.com/s00inx/appserver/server/protocol"
)

type phase uint8

const (
	phaseReading   phase = iota
	phaseWriting         // head and buffered body in out
	phaseStreaming       // pulling more chunks from the app body
	phaseFile            // sendfile of a file wrapper range
	phaseClosing         // flush out, then close
)

const (
	// body bytes pulled before the head is written, small bodies get Content-Length
	pullLimit = 64 << 10
	// max bytes per sendfile call
	sendfileChunk = 1 << 20
	// out buffers bigger than this are dropped between cycles
	maxKeptBuf = 64 << 10
	// body steps per event, a fast client must not starve the rest of the shard
	maxSteps = 64

	dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)

var (
	errPeerClosed = errors.New("server: peer closed connection mid-request")
	errTimeout    = errors.New("server: connection timed out")
	errClosed     = errors.New("server: connection closed")
	errShortBody  = errors.New("server: body shorter than Content-Length")
	errLongBody   = errors.New("server: body longer than Content-Length, truncated")
	errOverflow   = errors.New("server: read buffer overflow")
)

// exchange is the per connection protocol state, stored in Session.Ctx
type exchange struct {
	parser *protocol.Parser
	info   app.ServerInfo
	phase  phase

	out  []byte // bytes to write, out[off:] is pending
	off  int
	pend []byte // body pulled before the head

	resp     app.Response
	body     app.Body
	file     *app.FileWrapper
	fileOff  int64
	fileLeft int64

	framing   protocol.Framing
	length    int64 // announced Content-Length
	bodySent  int64
	head      bool // HEAD request, no body bytes
	keepAlive bool

	active     bool // cycle started and not recorded yet
	start      time.Time
	status     int
	sent       int64
	err        error
	continued  bool
	peerClosed bool
}

// back to the state of a fresh keep-alive cycle
func (x *exchange) reset() {
	x.parser.Reset()
	x.phase = phaseReading
	x.out, x.off = x.out[:0], 0
	if cap(x.out) > maxKeptBuf {
		x.out = nil
	}
	x.pend = x.pend[:0]
	if cap(x.pend) > maxKeptBuf {
		x.pend = nil
	}
	x.body, x.file = nil, nil
	x.fileOff, x.fileLeft = 0, 0
	x.framing, x.length, x.bodySent = 0, 0, 0
	x.head, x.keepAlive = false, false
	x.active, x.start = false, time.Time{}
	x.status, x.sent, x.err = 0, 0, nil
	x.continued = false
}

// close whatever body is still held
func (x *exchange) release() {
	if x.body != nil {
		x.body.Close()
		x.body = nil
	}
	if x.file != nil {
		x.file.Close()
		x.file = nil
	}
}

func (x *exchange) appendBody(p []byte) {
	if len(p) == 0 {
		return
	}
	switch x.framing {
	case protocol.FramingChunked:
		x.out = protocol.AppendChunk(x.out, p)
	case protocol.FramingLength:
		if room := x.length - x.bodySent; int64(len(p)) > room {
			p = p[:room]
			x.err = errLongBody
			x.keepAlive = false
		}
		x.out = append(x.out, p...)
	default:
		x.out = append(x.out, p...)
	}
	x.bodySent += int64(len(p))
}

func (x *exchange) endBody() {
	if x.framing == protocol.FramingChunked {
		x.out = protocol.AppendLastChunk(x.out)
	}
}

// worker implements engine.Handler
type worker struct {
	app          app.Application
	limits       protocol.Limits
	log          logrus.FieldLogger
	access       accesslog.Sink
	stats        *Stats
	serverName   string
	serverHeader string
	sendDate     bool

	exchanges sync.Pool
}

func newWorker(cfg *Config, a app.Application, stats *Stats) *worker {
	w := &worker{
		app:          a,
		limits:       cfg.limits(),
		log:          cfg.Logger.WithField("component", "worker"),
		access:       cfg.AccessLog,
		stats:        stats,
		serverName:   cfg.ServerName,
		serverHeader: cfg.ServerHeader,
		sendDate:     cfg.SendDate,
	}
	w.exchanges.New = func() any {
		return &exchange{parser: protocol.NewParser(w.limits)}
	}
	return w
}

func (w *worker) OnOpen(s *engine.Session) {
	x := w.exchanges.Get().(*exchange)
	x.parser.SetRemoteAddr(s.T.RemoteAddr())
	x.info = w.serverInfo(s.T.LocalAddr())
	s.Ctx = x
}

func (w *worker) serverInfo(local string) app.ServerInfo {
	host, port, err := net.SplitHostPort(local)
	if err != nil {
		// unix socket
		host, port = "localhost", ""
	}
	name := w.serverName
	if name == "" {
		name = host
	}
	return app.ServerInfo{Name: name, Port: port, Scheme: "http"}
}

func (w *worker) OnReadable(s *engine.Session) engine.Action {
	x := s.Ctx.(*exchange)
	if _, err := s.Fill(); err != nil {
		if !errors.Is(err, engine.ErrClosed) {
			w.abort(s, x, err)
			return engine.ActionClose
		}
		// serve what was received, then close
		x.peerClosed = true
	}
	return w.serve(s, x)
}

func (w *worker) OnWritable(s *engine.Session) engine.Action {
	return w.serve(s, s.Ctx.(*exchange))
}

func (w *worker) OnTimeout(s *engine.Session) {
	x := s.Ctx.(*exchange)
	if x.active {
		w.log.WithField("remote", s.T.RemoteAddr()).Debug("closing stalled connection")
		w.abort(s, x, errTimeout)
	}
}

func (w *worker) OnError(s *engine.Session, err error) {
	w.log.WithError(err).WithField("remote", s.T.RemoteAddr()).Debug("connection error")
	w.abort(s, s.Ctx.(*exchange), err)
}

func (w *worker) OnClose(s *engine.Session) {
	x, ok := s.Ctx.(*exchange)
	if !ok {
		return
	}
	if x.active {
		w.abort(s, x, errClosed)
	}
	x.release()
	x.reset()
	x.peerClosed = false
	x.info = app.ServerInfo{}
	s.Ctx = nil
	w.exchanges.Put(x)
}

// serve runs the cycle as far as it can go without blocking
func (w *worker) serve(s *engine.Session, x *exchange) engine.Action {
	for {
		if x.phase == phaseReading {
			// interim 100 Continue not written yet
			if x.off < len(x.out) {
				if act, ok := w.writeOut(s, x); !ok {
					return act
				}
				x.out, x.off = x.out[:0], 0
			}
			act, ready := w.parse(s, x)
			if !ready {
				return act
			}
		}

		act, next := w.flush(s, x)
		if !next {
			return act
		}
	}
}

// parse buffered bytes, ready means a response is queued in out
func (w *worker) parse(s *engine.Session, x *exchange) (engine.Action, bool) {
	n, done, err := x.parser.Parse(s.Unread())
	s.Consume(n)
	if !x.active && x.parser.Started() {
		x.active = true
		x.start = time.Now()
		s.Busy = true
	}
	if err != nil {
		return w.parseError(s, x, err)
	}
	if done {
		w.respond(s, x)
		return engine.ActionRead, true
	}

	if x.parser.ExpectContinue() && !x.continued {
		x.continued = true
		x.out, x.off = protocol.AppendContinue(x.out[:0]), 0
		if act, ok := w.writeOut(s, x); !ok {
			return act, false
		}
		x.out, x.off = x.out[:0], 0
	}

	switch {
	case x.peerClosed:
		if x.active {
			w.abort(s, x, errPeerClosed)
		}
		return engine.ActionClose, false
	case s.Full():
		w.abort(s, x, errOverflow)
		return engine.ActionClose, false
	case s.Draining() && !x.active:
		return engine.ActionClose, false
	}
	return engine.ActionRead, false
}

func (w *worker) parseError(s *engine.Session, x *exchange, err error) (engine.Action, bool) {
	w.stats.parseErrors.Inc()
	w.log.WithError(err).WithField("remote", s.T.RemoteAddr()).Debug("bad request")

	if !x.active {
		x.active = true
		x.start = time.Now()
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || !pe.Respondable {
		w.abort(s, x, err)
		return engine.ActionClose, false
	}

	x.err = err
	x.status = pe.Kind.Status()
	x.keepAlive = false
	x.out, x.off = append(x.out[:0], protocol.ErrorResponse(pe)...), 0
	x.phase = phaseClosing
	return engine.ActionWrite, true
}

// call the app and queue head plus the first part of the body
func (w *worker) respond(s *engine.Session, x *exchange) {
	req := x.parser.Request()
	x.head = req.Method == "HEAD"
	x.resp.Reset()

	body, err := app.Call(w.app, app.NewEnviron(req, x.info), x.resp.Start)
	if err != nil {
		w.fault(s, x, err)
		return
	}

	var (
		eof   bool
		known bool
		total int64
	)
	fw, isFile := body.(*app.FileWrapper)
	if isFile {
		_, total = fw.Range()
		known = true
	} else {
		pend := x.pend[:0]
		for len(pend) <= pullLimit {
			p, err := app.Next(body)
			pend = append(pend, p...)
			if errors.Is(err, io.EOF) {
				eof = true
				break
			}
			if err != nil {
				x.pend = pend
				body.Close()
				w.fault(s, x, err)
				return
			}
		}
		x.pend = pend
		known, total = eof, int64(len(pend))
		if sz, ok := body.(app.Sized); ok && !eof {
			known, total = true, sz.Len()
		}
	}

	if !x.resp.Started() {
		body.Close()
		w.fault(s, x, app.ErrNotStarted)
		return
	}
	if eof {
		body.Close()
	}

	x.framing, x.length = protocol.DecideFraming(protocol.FramingInput{
		Major:  req.Major,
		Minor:  req.Minor,
		Status: x.resp.Status,
		Header: x.resp.Header,
		Known:  known,
		Length: total,
	})
	x.status = x.resp.Status
	if f := x.resp.Revised(); f != nil {
		// app replaced its response after an error, it is kept for the record
		x.err = f
	}
	x.keepAlive = req.KeepAlive && !req.Ambiguous && !x.peerClosed && !s.Draining() &&
		x.framing != protocol.FramingClose && !x.resp.Header.HasToken("Connection", "close")

	x.out = protocol.AppendHead(x.out[:0], &protocol.Head{
		Major:     req.Major,
		Minor:     req.Minor,
		Status:    x.resp.Status,
		Reason:    x.resp.Reason,
		Header:    w.extraHeaders(x.resp.Header),
		Framing:   x.framing,
		Length:    x.length,
		KeepAlive: x.keepAlive,
	})
	x.off = 0
	x.bodySent = 0
	x.resp.Commit()

	switch {
	case x.head || x.framing == protocol.FramingNoBody:
		if !eof {
			body.Close()
		}
	case isFile && x.framing != protocol.FramingChunked:
		x.file = fw
		x.fileOff, x.fileLeft = fw.Range()
		if x.framing == protocol.FramingLength && x.fileLeft > x.length {
			x.fileLeft = x.length
			x.err = errLongBody
			x.keepAlive = false
		}
	case isFile:
		x.body = fw
	default:
		x.appendBody(x.pend)
		if eof {
			x.endBody()
		} else {
			x.body = body
		}
	}
	x.phase = phaseWriting
}

// Server and Date are added after the app's headers when configured and missing
func (w *worker) extraHeaders(h protocol.Header) protocol.Header {
	if w.serverHeader != "" && !h.Has("Server") {
		h = append(h, protocol.Field{Name: "Server", Value: w.serverHeader})
	}
	if w.sendDate && !h.Has("Date") {
		h = append(h, protocol.Field{Name: "Date", Value: time.Now().UTC().Format(dateFormat)})
	}
	return h
}

// app failed before anything was committed: 500 and close
func (w *worker) fault(s *engine.Session, x *exchange, err error) {
	f := app.Fault(err)
	w.stats.appFaults.Inc()

	entry := w.log.WithError(f).WithFields(logrus.Fields{
		"remote": s.T.RemoteAddr(),
		"path":   x.parser.Peek().Path,
	})
	if f.Panic != nil {
		entry = entry.WithField("stack", string(f.Stack))
	}
	entry.Error("application fault")

	x.err = f
	x.status = 500
	x.keepAlive = false
	x.out, x.off = append(x.out[:0], protocol.SimpleResponse(500)...), 0
	x.phase = phaseClosing
}

// flush writes out and moves the body along, next means the cycle is over and the conn is kept
func (w *worker) flush(s *engine.Session, x *exchange) (engine.Action, bool) {
	for steps := 0; ; steps++ {
		if x.off < len(x.out) {
			if act, ok := w.writeOut(s, x); !ok {
				return act, false
			}
		}
		x.out, x.off = x.out[:0], 0
		if steps >= maxSteps {
			return engine.ActionWrite, false
		}

		switch x.phase {
		case phaseClosing:
			w.finish(s, x)
			s.T.ShutdownWrite()
			return engine.ActionClose, false

		case phaseWriting:
			switch {
			case x.file != nil:
				x.phase = phaseFile
			case x.body != nil:
				x.phase = phaseStreaming
			default:
				return w.complete(s, x)
			}

		case phaseStreaming:
			p, err := app.Next(x.body)
			x.appendBody(p)
			if errors.Is(err, io.EOF) {
				x.body.Close()
				x.body = nil
				x.endBody()
				x.phase = phaseWriting
			} else if err != nil {
				// head is out already, nothing to do but cut the connection
				f := app.Fault(err)
				w.stats.appFaults.Inc()
				w.log.WithError(f).WithField("remote", s.T.RemoteAddr()).Error("application fault while streaming")
				w.abort(s, x, f)
				return engine.ActionClose, false
			}

		case phaseFile:
			if x.fileLeft == 0 {
				x.file.Close()
				x.file = nil
				x.phase = phaseWriting
				continue
			}
			n, err := s.T.SendFile(x.file.File(), x.fileOff, int(min(x.fileLeft, sendfileChunk)))
			if n > 0 {
				x.fileOff += int64(n)
				x.fileLeft -= int64(n)
				x.sent += int64(n)
				x.bodySent += int64(n)
				s.Touch()
			}
			if err != nil {
				if !engine.IsFatal(err) {
					return engine.ActionWrite, false
				}
				w.abort(s, x, err)
				return engine.ActionClose, false
			}
			if n == 0 {
				// file shrank after it was opened
				w.abort(s, x, io.ErrUnexpectedEOF)
				return engine.ActionClose, false
			}

		default:
			return engine.ActionRead, false
		}
	}
}

// write pending out, ok is false when the caller has to wait or close
func (w *worker) writeOut(s *engine.Session, x *exchange) (engine.Action, bool) {
	for x.off < len(x.out) {
		n, err := s.T.Write(x.out[x.off:])
		if n > 0 {
			x.off += n
			x.sent += int64(n)
			s.Touch()
		}
		if err != nil {
			if engine.IsFatal(err) {
				w.abort(s, x, err)
				return engine.ActionClose, false
			}
			return engine.ActionWrite, false
		}
		if x.off < len(x.out) {
			// partial write, socket buffer is full
			return engine.ActionWrite, false
		}
	}
	return engine.ActionWrite, true
}

// response fully flushed
func (w *worker) complete(s *engine.Session, x *exchange) (engine.Action, bool) {
	if x.framing == protocol.FramingLength && !x.head && x.bodySent < x.length {
		w.abort(s, x, errShortBody)
		return engine.ActionClose, false
	}

	w.finish(s, x)
	if !x.keepAlive || s.Draining() {
		s.T.ShutdownWrite()
		return engine.ActionClose, false
	}
	x.reset()
	s.Busy = false
	return engine.ActionRead, true
}

func (w *worker) finish(s *engine.Session, x *exchange) {
	w.stats.requests.Inc()
	w.record(s, x, false, x.err)
	x.active = false
}

// abort ends the cycle without a complete response
func (w *worker) abort(s *engine.Session, x *exchange, err error) {
	x.release()
	if !x.active {
		return
	}
	w.stats.aborted.Inc()
	w.record(s, x, true, err)
	x.active = false
}

func (w *worker) record(s *engine.Session, x *exchange, aborted bool, err error) {
	r := x.parser.Peek()
	w.access.Log(&accesslog.Record{
		Time:       x.start,
		RemoteAddr: s.T.RemoteAddr(),
		Method:     r.Method,
		Path:       r.Path,
		Proto:      r.Proto,
		Status:     x.status,
		BytesSent:  x.sent,
		Duration:   time.Since(x.start),
		Aborted:    aborted,
		Err:        err,
	})
}
