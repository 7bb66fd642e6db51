package server

import "github.com/puzpuzpuz/xsync/v3"

// Stats are updated from every shard, striped counters keep it cheap
type Stats struct {
	accepted    *xsync.Counter
	active      *xsync.Counter
	requests    *xsync.Counter
	parseErrors *xsync.Counter
	appFaults   *xsync.Counter
	aborted     *xsync.Counter
}

// Snapshot is a point in time copy of Stats
type Snapshot struct {
	Accepted    int64 // connections
	Active      int64 // open connections
	Requests    int64 // completed request cycles
	ParseErrors int64
	AppFaults   int64
	Aborted     int64 // cycles that ended without a complete response
}

func newStats() *Stats {
	return &Stats{
		accepted:    xsync.NewCounter(),
		active:      xsync.NewCounter(),
		requests:    xsync.NewCounter(),
		parseErrors: xsync.NewCounter(),
		appFaults:   xsync.NewCounter(),
		aborted:     xsync.NewCounter(),
	}
}

// ConnOpened and ConnClosed are called by the engine
func (s *Stats) ConnOpened() {
	s.accepted.Inc()
	s.active.Inc()
}

func (s *Stats) ConnClosed() {
	s.active.Dec()
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Accepted:    s.accepted.Value(),
		Active:      s.active.Value(),
		Requests:    s.requests.Value(),
		ParseErrors: s.parseErrors.Value(),
		AppFaults:   s.appFaults.Value(),
		Aborted:     s.aborted.Value(),
	}
}
