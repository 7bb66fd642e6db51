package server

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s00inx/appserver/server/accesslog"
	"github.com/s00inx/appserver/server/engine"
	"github.com/s00inx/appserver/server/protocol"
)

const (
	DefaultAddr             = "127.0.0.1:8080"
	DefaultKeepAliveTimeout = 5 * time.Second
	DefaultDrainTimeout     = 10 * time.Second

	// chunk size line limit in the parser
	minLineRoom = 4 << 10
)

// Config of the server, zero fields get defaults
type Config struct {
	// listen addresses: "tcp://host:port", "unix:///path" or "host:port"
	Addrs []string

	// number of shards, each one runs its own event loop and calls the app synchronously
	Workers int

	// idle connections are closed after this
	KeepAliveTimeout time.Duration
	// max time Shutdown waits for in-flight requests
	DrainTimeout time.Duration

	MaxRequestLine int
	MaxHeaderBytes int
	MaxHeaders     int
	MaxBodyBytes   int64

	// per-connection read buffer, must fit the longest request or header line
	ReadBufferSize int

	// SERVER_NAME for the app, local address is used when empty
	ServerName string
	// value of Server response header, not sent when empty
	ServerHeader string
	// add Date header to responses that don't have one
	SendDate bool

	Logger    logrus.FieldLogger
	AccessLog accesslog.Sink
}

func (c *Config) setDefaults() {
	if len(c.Addrs) == 0 {
		c.Addrs = []string{DefaultAddr}
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaxRequestLine == 0 {
		c.MaxRequestLine = protocol.DefaultMaxRequestLine
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = protocol.DefaultMaxHeaderBytes
	}
	if c.MaxHeaders == 0 {
		c.MaxHeaders = protocol.DefaultMaxHeaders
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = protocol.DefaultMaxBodyBytes
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = c.minReadBuffer()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.AccessLog == nil {
		c.AccessLog = accesslog.Discard
	}
}

// the parser only consumes whole lines, so the buffer must hold the longest allowed one
func (c *Config) minReadBuffer() int {
	return max(c.MaxRequestLine, c.MaxHeaderBytes, minLineRoom) + 3
}

func (c *Config) validate() error {
	var errs []error
	for _, a := range c.Addrs {
		if _, err := engine.ParseAddr(a); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.KeepAliveTimeout < 0 {
		errs = append(errs, fmt.Errorf("keep-alive timeout must be positive, got %v", c.KeepAliveTimeout))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("drain timeout must be positive, got %v", c.DrainTimeout))
	}
	if c.MaxRequestLine < 0 || c.MaxHeaderBytes < 0 || c.MaxHeaders < 0 || c.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("limits must be positive"))
	}
	if need := c.minReadBuffer(); c.ReadBufferSize < need {
		errs = append(errs, fmt.Errorf("read buffer %d is smaller than %d needed for configured limits", c.ReadBufferSize, need))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server: bad config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) limits() protocol.Limits {
	return protocol.Limits{
		MaxRequestLine: c.MaxRequestLine,
		MaxHeaderBytes: c.MaxHeaderBytes,
		MaxHeaders:     c.MaxHeaders,
		MaxBodyBytes:   c.MaxBodyBytes,
	}
}
