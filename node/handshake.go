package node

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jabberwocky238/p2perf/transport"
)

const handshakeTimeout = 5 * time.Second

var ErrHandshake = errors.New("identity handshake failed")

// Handshake exchanges static public keys over a freshly connected
// transport. Both sides send first, so neither waits on the other.
type Handshake struct {
	conn transport.TransportConn
	key  PublicKey
}

func NewHandshake(conn transport.TransportConn, key PublicKey) *Handshake {
	return &Handshake{
		conn: conn,
		key:  key,
	}
}

// Exchange sends the local key and returns the remote one.
func (h *Handshake) Exchange() (pk PublicKey, err error) {
	h.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer h.conn.SetDeadline(time.Time{})

	sent := make(chan error, 1)
	go func() {
		_, err := h.conn.Write(h.key[:])
		sent <- err
	}()

	if _, err = io.ReadFull(h.conn, pk[:]); err != nil {
		return pk, fmt.Errorf("%w: read key: %v", ErrHandshake, err)
	}
	if err = <-sent; err != nil {
		return pk, fmt.Errorf("%w: send key: %v", ErrHandshake, err)
	}
	if pk.IsZero() {
		return pk, fmt.Errorf("%w: peer sent an empty key", ErrHandshake)
	}
	return pk, nil
}
