package tcp

import (
	"net"
	"time"

	"github.com/jabberwocky238/p2perf/transport"
)

const dialTimeout = 5 * time.Second

type TCPClient struct{}

func NewTCPClient() *TCPClient {
	return &TCPClient{}
}

func (t *TCPClient) Dial(endpoint string) (transport.TransportConn, error) {
	conn, err := net.DialTimeout("tcp", endpoint, dialTimeout)
	if err != nil {
		return nil, err
	}
	tune(conn, 8*1024*1024)
	return conn, nil
}

// tune 优化TCP连接性能
func tune(conn net.Conn, bufSize int) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true) // 关闭Nagle算法，减少延迟
		tcpConn.SetReadBuffer(bufSize)
		tcpConn.SetWriteBuffer(bufSize)
	}
}
