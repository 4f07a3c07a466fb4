// Package testutil provides fake Wolf upstreams listening on Unix sockets.
package testutil

import (
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// SocketPath returns a fresh socket path. It lives under os.TempDir rather
// than t.TempDir because long test names overflow sun_path.
func SocketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wm")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "wolf.sock")
}

// ServeHTTP serves h on a new Unix socket and returns the socket path.
func ServeHTTP(t testing.TB, h http.Handler) string {
	t.Helper()
	path := SocketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	srv := &http.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return path
}

// ServeRaw accepts connections on a new Unix socket and runs fn on each
// in its own goroutine. fn owns the connection.
func ServeRaw(t testing.TB, fn func(net.Conn)) string {
	t.Helper()
	path := SocketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}

	var wg sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return path
}

// RefusingSocket leaves a socket file on disk with nothing listening
// behind it, so every connect fails with ECONNREFUSED.
func RefusingSocket(t testing.TB) string {
	t.Helper()
	path := SocketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	ul := ln.(*net.UnixListener)
	ul.SetUnlinkOnClose(false)
	if err := ul.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return path
}
