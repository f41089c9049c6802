package tcp

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// go test -v ./transport/tcp
// go test -v ./transport/tcp -timeout 5s

func TestTCP(t *testing.T) {
	server := NewTCPServer()
	err := server.Listen("127.0.0.1", 0)
	defer server.Close()
	if err != nil {
		t.Fatal(err)
	}

	type received struct {
		data string
		err  error
	}
	done := make(chan received, 1)
	go func() {
		srvConn, err := server.Accept()
		if err != nil {
			done <- received{err: err}
			return
		}
		defer srvConn.Close()
		buf, err := io.ReadAll(srvConn)
		done <- received{data: string(buf), err: err}
	}()

	client := NewTCPClient()
	cltConn, err := client.Dial(server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cltConn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	cltConn.Close()

	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.data != "hello" {
		t.Fatalf("data mismatch: %s != %s", r.data, "hello")
	}
}

func TestTCPServe(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatal(err)
	}
	server := NewTCPServer()
	if err := server.Serve(ln); err != nil {
		t.Fatal(err)
	}

	if server.Addr().String() != ln.Addr().String() {
		t.Fatalf("Addr = %s, want %s", server.Addr(), ln.Addr())
	}

	server.Close()
	if _, err := server.Accept(); err != ErrServerClosed {
		t.Fatalf("Accept after Close = %v, want %v", err, ErrServerClosed)
	}
}

// flakyListener fails Accept a fixed number of times, then reports closed.
type flakyListener struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, time.Now())
	if len(l.calls) <= l.failures {
		return nil, errors.New("accept: too many open files")
	}
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error   { return nil }
func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestTCPAcceptBackoff(t *testing.T) {
	ln := &flakyListener{failures: 3}
	server := NewTCPServer()
	start := time.Now()
	if err := server.Serve(ln); err != nil {
		t.Fatal(err)
	}

	if _, err := server.Accept(); err != ErrServerClosed {
		t.Fatalf("Accept = %v, want %v", err, ErrServerClosed)
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	if len(ln.calls) != 4 {
		t.Fatalf("listener Accept called %d times, want 4", len(ln.calls))
	}
	// 5ms + 10ms + 20ms between the failing calls
	if elapsed := ln.calls[3].Sub(start); elapsed < 35*time.Millisecond {
		t.Fatalf("accept retried after %v, expected a backoff", elapsed)
	}
}
