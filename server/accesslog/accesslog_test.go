package accesslog

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestLogrusSink(t *testing.T) {
	tests := []struct {
		name  string
		rec   Record
		level logrus.Level
		msg   string
	}{
		{
			name: "completed",
			rec: Record{
				Time: time.Now(), RemoteAddr: "127.0.0.1:1234", Method: "GET", Path: "/hello",
				Proto: "HTTP/1.1", Status: 200, BytesSent: 42, Duration: time.Millisecond,
			},
			level: logrus.InfoLevel,
			msg:   "request",
		},
		{
			name: "aborted",
			rec: Record{
				Time: time.Now(), Method: "POST", Path: "/up", Status: 200, BytesSent: 10,
				Aborted: true, Err: errors.New("connection reset"),
			},
			level: logrus.WarnLevel,
			msg:   "request aborted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			NewLogrus(logger).Log(&tt.rec)

			e := hook.LastEntry()
			if e == nil {
				t.Fatal("no entry")
			}
			if e.Level != tt.level || e.Message != tt.msg {
				t.Errorf("got %v %q", e.Level, e.Message)
			}
			if e.Data["method"] != tt.rec.Method || e.Data["status"] != tt.rec.Status || e.Data["bytes"] != tt.rec.BytesSent {
				t.Errorf("fields = %v", e.Data)
			}
			if e.Data["start"] != tt.rec.Time.Format(time.RFC3339Nano) {
				t.Errorf("start = %v", e.Data["start"])
			}
			out, err := (&logrus.JSONFormatter{}).Format(e)
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Contains(out, []byte("fields.")) {
				t.Errorf("field clashes with a reserved key: %s", out)
			}
			if (e.Data[logrus.ErrorKey] != nil) != (tt.rec.Err != nil) {
				t.Errorf("error field = %v", e.Data[logrus.ErrorKey])
			}
		})
	}
}

func TestMultiAndFunc(t *testing.T) {
	var got []string
	a := Func(func(r *Record) { got = append(got, "a:"+r.Path) })
	b := Func(func(r *Record) { got = append(got, "b:"+r.Path) })

	Multi(a, Discard, b).Log(&Record{Path: "/x"})

	if len(got) != 2 || got[0] != "a:/x" || got[1] != "b:/x" {
		t.Errorf("got %v", got)
	}
}
