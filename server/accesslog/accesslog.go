// access records: one per request cycle, completed or aborted
// where they go is up to the Sink
package accesslog

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Record describes one finished request cycle
type Record struct {
	Time       time.Time // cycle start
	RemoteAddr string
	Method     string
	Path       string
	Proto      string
	Status     int // 0 if nothing was sent
	BytesSent  int64
	Duration   time.Duration
	Aborted    bool  // response not completed
	Err        error // why it was aborted or failed, may be nil
}

// Sink receives records from every shard, so it must be safe for concurrent use
// a record must not be retained after Log returns
type Sink interface {
	Log(r *Record)
}

// Func adapts a function to Sink
type Func func(r *Record)

func (f Func) Log(r *Record) { f(r) }

type discard struct{}

func (discard) Log(*Record) {}

// Discard drops every record
var Discard Sink = discard{}

type logrusSink struct {
	log logrus.FieldLogger
}

// NewLogrus writes one structured entry per record, aborted cycles are logged as warnings
func NewLogrus(log logrus.FieldLogger) Sink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &logrusSink{log: log}
}

func (s *logrusSink) Log(r *Record) {
	entry := s.log.WithFields(logrus.Fields{
		"start":    r.Time.Format(time.RFC3339Nano),
		"remote":   r.RemoteAddr,
		"method":   r.Method,
		"path":     r.Path,
		"proto":    r.Proto,
		"status":   r.Status,
		"bytes":    r.BytesSent,
		"duration": r.Duration.String(),
	})
	if r.Err != nil {
		entry = entry.WithError(r.Err)
	}
	if r.Aborted {
		entry.Warn("request aborted")
		return
	}
	entry.Info("request")
}

type multi []Sink

func (m multi) Log(r *Record) {
	for _, s := range m {
		s.Log(r)
	}
}

// Multi sends every record to all sinks in order
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}
