package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/s00inx/appserver/server/app"
	"github.com/s00inx/appserver/server/protocol"
)

// call runs the app and collects status and body
func call(t *testing.T, a app.Application, path, query string) (int, string) {
	t.Helper()

	var resp app.Response
	req := &protocol.Request{Method: "GET", Path: path, RawPath: path, Query: query, Proto: "HTTP/1.1", Major: 1, Minor: 1, RemoteAddr: "10.0.0.1:555"}
	body, err := app.Call(a, app.NewEnviron(req, app.ServerInfo{Name: "demo", Port: "80"}), resp.Start)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	defer body.Close()

	var out strings.Builder
	for {
		p, err := app.Next(body)
		out.Write(p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	return resp.Status, out.String()
}

func TestDemo(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("file a"), 0o644); err != nil {
		t.Fatal(err)
	}
	demo := newDemo(dir)

	tests := []struct {
		name   string
		path   string
		query  string
		status int
		want   string
	}{
		{"root", "/", "", 200, "hello from appserver\n"},
		{"stream", "/stream", "n=2", 200, "chunk 1\nchunk 2\n"},
		{"file", "/files/a.txt", "", 200, "file a"},
		{"escape root", "/files/../../etc/passwd", "", 404, "not found\n"},
		{"missing file", "/files/nope", "", 404, "not found\n"},
		{"unknown", "/what", "", 404, "not found\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, demo, tt.path, tt.query)
			if status != tt.status || body != tt.want {
				t.Errorf("got %d %q, want %d %q", status, body, tt.status, tt.want)
			}
		})
	}

	_, env := call(t, demo, "/env", "x=1")
	for _, line := range []string{"PATH_INFO=/env", "QUERY_STRING=x=1", "REMOTE_ADDR=10.0.0.1", "SERVER_NAME=demo"} {
		if !strings.Contains(env, line+"\n") {
			t.Errorf("env dump misses %q:\n%s", line, env)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("APPSERVER_WORKERS", "3")
	t.Setenv("APPSERVER_LOG_LEVEL", "debug")
	defer func() { *workers, *logLevel = 0, "info" }()

	if err := applyEnv(); err != nil {
		t.Fatal(err)
	}
	if *workers != 3 || *logLevel != "debug" {
		t.Errorf("workers %d level %q", *workers, *logLevel)
	}

	t.Setenv("APPSERVER_KEEPALIVE", "soon")
	if err := applyEnv(); err == nil {
		t.Error("bad duration accepted")
	}
}
