package transport

import "net"

type TransportServer interface {
	Listen(host string, port int) error
	Accept() (TransportConn, error)
	Addr() net.Addr
	Close() error
}

type TransportClient interface {
	Dial(endpoint string) (TransportConn, error)
}

// TransportConn is a reliable, ordered byte stream between two nodes. The
// multiplexer runs on top of it, so it must be a full net.Conn.
type TransportConn interface {
	net.Conn
}

// layers stack on each other, the upper one owns the lower:
// [node] -> yamux -> tls -> tcp
//
// for the server side, Listen() binds a port and Accept() hands out
// connections that completed every lower layer handshake.
// for the client side, Dial() connects and runs the handshakes in order.
// each kind of layer should have a server and a client.
