package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/jabberwocky238/p2perf/transport"
	"github.com/jabberwocky238/p2perf/transport/tcp"
)

var ErrServerClosed = errors.New("server closed")

type TLSServer struct {
	cfg        *TLSServerConfig
	tlsCfg     *tls.Config
	underlying transport.TransportServer

	connChan chan transport.TransportConn
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewTLSServer terminates TLS on connections accepted by underlying, or on
// plain TCP when underlying is nil.
func NewTLSServer(cfg *TLSServerConfig, underlying transport.TransportServer) (*TLSServer, error) {
	tlsCfg, err := cfg.ToTlsConfig()
	if err != nil {
		return nil, err
	}
	if underlying == nil {
		underlying = tcp.NewTCPServer()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TLSServer{
		cfg:        cfg,
		tlsCfg:     tlsCfg,
		underlying: underlying,
		connChan:   make(chan transport.TransportConn, 1024),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (t *TLSServer) Listen(host string, port int) error {
	if err := t.underlying.Listen(host, port); err != nil {
		return err
	}
	go t.acceptLoop()
	return nil
}

func (t *TLSServer) acceptLoop() {
	defer t.cancel()
	for {
		conn, err := t.underlying.Accept()
		if err != nil {
			return
		}
		// 握手放到单独的 goroutine，慢客户端不阻塞 accept
		go t.handshake(conn)
	}
}

func (t *TLSServer) handshake(raw net.Conn) {
	conn := tls.Server(raw, t.tlsCfg)
	ctx, cancel := context.WithTimeout(t.ctx, handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return
	}
	select {
	case t.connChan <- conn:
	case <-t.ctx.Done():
		conn.Close()
	}
}

func (t *TLSServer) Accept() (transport.TransportConn, error) {
	select {
	case conn := <-t.connChan:
		return conn, nil
	case <-t.ctx.Done():
		return nil, ErrServerClosed
	}
}

func (t *TLSServer) Addr() net.Addr {
	return t.underlying.Addr()
}

func (t *TLSServer) Close() error {
	t.cancel()
	return t.underlying.Close()
}
