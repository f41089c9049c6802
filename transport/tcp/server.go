package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jabberwocky238/p2perf/transport"
)

var ErrServerClosed = errors.New("server closed")

type TCPServer struct {
	listener net.Listener

	connChan chan transport.TransportConn
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewTCPServer() *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		connChan: make(chan transport.TransportConn, 1024),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *TCPServer) Listen(host string, port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return t.Serve(listener)
}

// Serve accepts connections from an existing listener.
func (t *TCPServer) Serve(listener net.Listener) error {
	t.listener = listener
	go t.acceptLoop()
	return nil
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func (t *TCPServer) acceptLoop() {
	var delay time.Duration
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.cancel()
				return
			}
			// 持续出错（如 EMFILE）时退避，避免空转
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			select {
			case <-time.After(delay):
			case <-t.ctx.Done():
				return
			}
			continue
		}
		delay = 0
		tune(conn, 4*1024*1024)
		select {
		case t.connChan <- conn:
		case <-t.ctx.Done():
			conn.Close()
			return
		}
	}
}

func (t *TCPServer) Accept() (transport.TransportConn, error) {
	select {
	case conn := <-t.connChan:
		return conn, nil
	case <-t.ctx.Done():
		return nil, ErrServerClosed
	}
}

func (t *TCPServer) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPServer) Close() error {
	t.cancel()
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}
