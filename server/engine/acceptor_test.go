package engine

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sys/unix"
)

func TestAcceptor_BacksOffOnEMFILE(t *testing.T) {
	l, err := Listen(Addr{Network: "tcp", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	h := &echoHandler{}
	p, err := NewPool(h, Options{Shards: 1, KeepAlive: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Shutdown(time.Now().Add(time.Second))

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	acc, err := NewAcceptor([]*Listener{l}, p, logger)
	if err != nil {
		t.Fatal(err)
	}

	var failing atomic.Bool
	var calls atomic.Int32
	failing.Store(true)
	acc.accept = func(fd, flags int) (int, unix.Sockaddr, error) {
		calls.Add(1)
		if failing.Load() {
			return -1, nil, unix.EMFILE
		}
		return unix.Accept4(fd, flags)
	}
	go acc.Run()
	defer acc.Stop()

	c, err := net.DialTimeout("tcp", l.Addr().Address, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	time.Sleep(250 * time.Millisecond)

	// two attempts per back-off period, not a busy loop
	if n := calls.Load(); n < 2 || n > 12 {
		t.Errorf("accept calls in 250ms = %d", n)
	}
	errs := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("error entries = %d, want 1", errs)
	}
	if n := len(hook.AllEntries()); n > 20 {
		t.Errorf("log entries in 250ms = %d", n)
	}

	failing.Store(false)
	waitFor(t, "pending conn accepted after back-off", func() bool { return h.opened.Load() == 1 })

	recovered := false
	for _, e := range hook.AllEntries() {
		if e.Message == "accept recovered" {
			recovered = true
		}
	}
	if !recovered {
		t.Error("recovery not logged")
	}
}
