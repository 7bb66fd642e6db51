// server ties the engine, protocol and app packages together
//
// New(cfg, app)      - validate config, nothing is bound yet
// Listen()           - bind every configured address
// Serve()            - run shards and the accept loop, blocks until Shutdown
// ListenAndServe()   - both of the above
// Shutdown(ctx)      - stop accepting, let in-flight requests finish, close the rest
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s00inx/appserver/server/app"
	"github.com/s00inx/appserver/server/engine"
)

// ErrServerClosed is returned by Serve and Listen after Shutdown
var ErrServerClosed = errors.New("server: closed")

type state uint8

const (
	stateNew state = iota
	stateListening
	stateServing
	stateStopped
)

// Server is one application server instance
type Server struct {
	cfg   Config
	app   app.Application
	log   logrus.FieldLogger
	stats *Stats

	mu        sync.Mutex
	state     state
	listeners []*engine.Listener
	pool      *engine.Pool
	acc       *engine.Acceptor
	stopped   chan struct{} // closed when Shutdown is done
	stopOnce  sync.Once
}

// New checks cfg and returns a server that is not listening yet
func New(cfg Config, a app.Application) (*Server, error) {
	if a == nil {
		return nil, errors.New("server: nil application")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		app:     a,
		log:     cfg.Logger.WithField("component", "server"),
		stats:   newStats(),
		stopped: make(chan struct{}),
	}, nil
}

// Listen binds all addresses, on any failure the ones already bound are closed
func (srv *Server) Listen() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	switch srv.state {
	case stateStopped:
		return ErrServerClosed
	case stateListening, stateServing:
		return nil
	}

	ls := make([]*engine.Listener, 0, len(srv.cfg.Addrs))
	for _, s := range srv.cfg.Addrs {
		a, err := engine.ParseAddr(s)
		if err == nil {
			var l *engine.Listener
			if l, err = engine.Listen(a); err == nil {
				ls = append(ls, l)
				srv.log.WithField("addr", l.Addr().String()).Info("listening")
				continue
			}
		}
		for _, l := range ls {
			l.Close()
		}
		return fmt.Errorf("server: listen %s: %w", s, err)
	}

	srv.listeners = ls
	srv.state = stateListening
	return nil
}

// Serve runs until Shutdown and then returns ErrServerClosed
// Listen is called first if it was not
func (srv *Server) Serve() error {
	if err := srv.Listen(); err != nil {
		return err
	}

	srv.mu.Lock()
	if srv.state != stateListening {
		srv.mu.Unlock()
		if srv.state == stateStopped {
			return ErrServerClosed
		}
		return errors.New("server: already serving")
	}

	pool, err := engine.NewPool(newWorker(&srv.cfg, srv.app, srv.stats), engine.Options{
		Shards:         srv.cfg.Workers,
		KeepAlive:      srv.cfg.KeepAliveTimeout,
		ReadBufferSize: srv.cfg.ReadBufferSize,
		Logger:         srv.cfg.Logger,
		Counters:       srv.stats,
	})
	if err != nil {
		srv.mu.Unlock()
		return err
	}
	acc, err := engine.NewAcceptor(srv.listeners, pool, srv.cfg.Logger)
	if err != nil {
		pool.Shutdown(time.Now())
		srv.mu.Unlock()
		return err
	}
	srv.pool, srv.acc = pool, acc
	srv.state = stateServing
	// shards run before Shutdown can see the pool
	pool.Start()
	srv.mu.Unlock()

	srv.log.WithField("workers", srv.cfg.Workers).Info("serving")
	if err := acc.Run(); err != nil {
		srv.log.WithError(err).Error("accept loop failed")
		srv.Shutdown(context.Background())
		return err
	}

	// Run returns once Shutdown stopped the acceptor, wait for the drain too
	<-srv.stopped
	return ErrServerClosed
}

// ListenAndServe binds and serves
func (srv *Server) ListenAndServe() error {
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve()
}

// Shutdown stops accepting and waits for in-flight requests.
// The drain lasts at most DrainTimeout, or until ctx is done, then the remaining connections are closed.
// The returned error is ctx's one when it expired first.
func (srv *Server) Shutdown(ctx context.Context) error {
	first := false
	srv.stopOnce.Do(func() { first = true })
	if !first {
		select {
		case <-srv.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	srv.mu.Lock()
	prev := srv.state
	srv.state = stateStopped
	acc, pool, ls := srv.acc, srv.pool, srv.listeners
	srv.mu.Unlock()

	if prev == stateServing {
		acc.Stop()
	}
	for _, l := range ls {
		l.Close()
	}
	if pool == nil {
		close(srv.stopped)
		return nil
	}

	deadline := time.Now().Add(srv.cfg.DrainTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	srv.log.WithField("deadline", deadline.Format(time.RFC3339Nano)).Info("draining")

	done := make(chan struct{})
	go func() {
		pool.Shutdown(deadline)
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		pool.Expire()
		<-done
	}

	snap := srv.stats.Snapshot()
	srv.log.WithFields(logrus.Fields{
		"requests": snap.Requests,
		"aborted":  snap.Aborted,
	}).Info("stopped")
	close(srv.stopped)
	return err
}

// Addrs returns bound addresses, with real ports when port 0 was asked for
func (srv *Server) Addrs() []engine.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	out := make([]engine.Addr, 0, len(srv.listeners))
	for _, l := range srv.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Stats returns live counters
func (srv *Server) Stats() *Stats {
	return srv.stats
}
