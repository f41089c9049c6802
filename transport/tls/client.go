package tls

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/jabberwocky238/p2perf/transport"
	"github.com/jabberwocky238/p2perf/transport/tcp"
)

const handshakeTimeout = 5 * time.Second

type TLSClient struct {
	cfg        *TLSClientConfig
	tlsCfg     *tls.Config
	underlying transport.TransportClient
}

// NewTLSClient runs TLS over connections dialed by underlying, or over
// plain TCP when underlying is nil.
func NewTLSClient(cfg *TLSClientConfig, underlying transport.TransportClient) *TLSClient {
	if underlying == nil {
		underlying = tcp.NewTCPClient()
	}
	return &TLSClient{
		cfg:        cfg,
		tlsCfg:     cfg.ToTlsConfig(),
		underlying: underlying,
	}
}

func (t *TLSClient) Dial(endpoint string) (transport.TransportConn, error) {
	raw, err := t.underlying.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, t.tlsCfg)
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}
