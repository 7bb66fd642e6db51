// appserver runs the demo application on the engine
//
//	appserver -addr 127.0.0.1:8080,unix:///tmp/app.sock -workers 4 -root ./public
//
// every flag can also be set with APPSERVER_<NAME> (APPSERVER_ADDR, APPSERVER_WORKERS, ...)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/s00inx/appserver/server"
	"github.com/s00inx/appserver/server/accesslog"
	"github.com/s00inx/appserver/server/app"
	"github.com/s00inx/appserver/server/router"
)

const envPrefix = "APPSERVER_"

var (
	addrs        = flag.String("addr", server.DefaultAddr, "comma separated listen addresses")
	workers      = flag.Int("workers", 0, "number of shards, 0 means one per cpu")
	keepAlive    = flag.Duration("keepalive", server.DefaultKeepAliveTimeout, "idle connection timeout")
	drain        = flag.Duration("drain", server.DefaultDrainTimeout, "max time to finish in-flight requests on shutdown")
	maxBody      = flag.Int64("max-body", 0, "max request body bytes, 0 means default")
	serverHeader = flag.String("server-header", "", "value of Server header")
	sendDate     = flag.Bool("date", false, "add Date header")
	root         = flag.String("root", "", "directory served under /files/")
	logLevel     = flag.String("log-level", "info", "log level")
	logJSON      = flag.Bool("log-json", false, "log as json")
	access       = flag.Bool("access-log", true, "log every request")
)

// environment wins over flag defaults, explicit flags win over environment
func applyEnv() error {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var errs []string
	flag.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(key); ok {
			if err := f.Value.Set(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			}
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("bad environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func main() {
	flag.Parse()

	log := logrus.New()
	if err := applyEnv(); err != nil {
		log.Fatal(err)
	}
	if *logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("bad log level")
	}
	log.SetLevel(lvl)

	sink := accesslog.Discard
	if *access {
		sink = accesslog.NewLogrus(log.WithField("component", "access"))
	}

	cfg := server.Config{
		Addrs:            strings.Split(*addrs, ","),
		Workers:          *workers,
		KeepAliveTimeout: *keepAlive,
		DrainTimeout:     *drain,
		MaxBodyBytes:     *maxBody,
		ServerHeader:     *serverHeader,
		SendDate:         *sendDate,
		Logger:           log,
		AccessLog:        sink,
	}
	srv, err := server.New(cfg, newDemo(*root))
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	if err := srv.Listen(); err != nil {
		log.WithError(err).Fatal("listen")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	go func() {
		s := <-sig
		log.WithField("signal", s.String()).Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), *drain+time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	if err := srv.Serve(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		log.WithError(err).Fatal("serve")
	}
	snap := srv.Stats().Snapshot()
	log.WithFields(logrus.Fields{
		"accepted":     snap.Accepted,
		"requests":     snap.Requests,
		"parse_errors": snap.ParseErrors,
		"app_faults":   snap.AppFaults,
		"aborted":      snap.Aborted,
	}).Info("bye")
}

var textPlain = []app.Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}}

// newDemo returns the demo application:
// / greeting, /env environ dump, /echo request body, /stream?n= chunked stream, /files/ static files
func newDemo(root string) app.Application {
	r := router.New()

	r.Get("/", func(env *app.Environ, _ router.Params, start app.StartResponse) (app.Body, error) {
		start("200 OK", textPlain, nil)
		return app.String("hello from appserver\n"), nil
	})

	r.Get("/env", func(env *app.Environ, _ router.Params, start app.StartResponse) (app.Body, error) {
		m := env.Map()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%s\n", k, m[k])
		}
		start("200 OK", textPlain, nil)
		return app.String(b.String()), nil
	})

	r.Handle("", "/echo", func(env *app.Environ, _ router.Params, start app.StartResponse) (app.Body, error) {
		hdr := textPlain
		if ct := env.Header.Get("Content-Type"); ct != "" {
			hdr = []app.Header{{Name: "Content-Type", Value: ct}}
		}
		start("200 OK", hdr, nil)
		return app.Reader(env.Body), nil
	})

	r.Get("/stream", func(env *app.Environ, _ router.Params, start app.StartResponse) (app.Body, error) {
		n, err := strconv.Atoi(env.QueryValue("n"))
		if err != nil || n <= 0 {
			n = 10
		}
		i := 0
		start("200 OK", textPlain, nil)
		return app.Generator(func() ([]byte, error) {
			if i == n {
				return nil, io.EOF
			}
			i++
			return []byte("chunk " + strconv.Itoa(i) + "\n"), nil
		}), nil
	})

	if root != "" {
		r.Get("/files/*path", func(env *app.Environ, ps router.Params, start app.StartResponse) (app.Body, error) {
			return serveFile(root, ps.Get("path"), start)
		})
	}
	return r
}

func serveFile(root, name string, start app.StartResponse) (app.Body, error) {
	path := filepath.Join(root, filepath.FromSlash(filepath.Clean("/"+name)))
	f, err := app.OpenFile(path, 0, -1)
	if err != nil {
		start("404 Not Found", textPlain, nil)
		return app.String("not found\n"), nil
	}
	start("200 OK", []app.Header{{Name: "Content-Type", Value: "application/octet-stream"}}, nil)
	return f, nil
}
