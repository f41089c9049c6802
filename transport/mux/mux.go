// Package mux multiplexes one transport connection into many ordered
// substreams and negotiates a protocol on each of them.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jabberwocky238/p2perf/perf"
	"github.com/libp2p/go-yamux/v4"
	"github.com/multiformats/go-multistream"
)

type Config struct {
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	// MaxStreamWindow bounds the per substream receive window in bytes.
	MaxStreamWindow uint32
	AcceptBacklog   int
}

func DefaultConfig() Config {
	d := yamux.DefaultConfig()
	return Config{
		KeepAliveInterval: d.KeepAliveInterval,
		WriteTimeout:      d.ConnectionWriteTimeout,
		MaxStreamWindow:   d.MaxStreamWindowSize,
		AcceptBacklog:     d.AcceptBacklog,
	}
}

func (c Config) yamuxConfig(logOutput io.Writer) (*yamux.Config, error) {
	cfg := yamux.DefaultConfig()
	if c.KeepAliveInterval > 0 {
		cfg.EnableKeepAlive = true
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.WriteTimeout > 0 {
		cfg.ConnectionWriteTimeout = c.WriteTimeout
	}
	if c.MaxStreamWindow > 0 {
		cfg.MaxStreamWindowSize = c.MaxStreamWindow
	}
	if c.AcceptBacklog > 0 {
		cfg.AcceptBacklog = c.AcceptBacklog
	}
	if logOutput == nil {
		logOutput = io.Discard
	}
	cfg.LogOutput = logOutput
	if err := yamux.VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Session is a multiplexed connection. Only the protocols registered with
// Handle are accepted on inbound substreams.
type Session struct {
	sess  *yamux.Session
	muxer *multistream.MultistreamMuxer[string]
}

// Client runs the dialing side of the multiplexer over conn.
func Client(conn net.Conn, cfg Config, logOutput io.Writer) (*Session, error) {
	ycfg, err := cfg.yamuxConfig(logOutput)
	if err != nil {
		return nil, err
	}
	sess, err := yamux.Client(conn, ycfg, nil)
	if err != nil {
		return nil, err
	}
	return newSession(sess), nil
}

// Server runs the listening side of the multiplexer over conn.
func Server(conn net.Conn, cfg Config, logOutput io.Writer) (*Session, error) {
	ycfg, err := cfg.yamuxConfig(logOutput)
	if err != nil {
		return nil, err
	}
	sess, err := yamux.Server(conn, ycfg, nil)
	if err != nil {
		return nil, err
	}
	return newSession(sess), nil
}

func newSession(sess *yamux.Session) *Session {
	return &Session{
		sess:  sess,
		muxer: multistream.NewMultistreamMuxer[string](),
	}
}

// Handle registers a protocol that inbound substreams may select.
func (s *Session) Handle(protocol string) {
	s.muxer.AddHandler(protocol, nil)
}

// Open opens a substream and selects protocol on it. A peer that does not
// speak protocol yields perf.ErrNegotiationFailed.
func (s *Session) Open(ctx context.Context, protocol string) (*Stream, error) {
	st, err := s.sess.OpenStream(ctx)
	if err != nil {
		return nil, s.mapErr(err)
	}
	stream := &Stream{Stream: st, sess: s}

	if deadline, ok := ctx.Deadline(); ok {
		st.SetDeadline(deadline)
		defer st.SetDeadline(time.Time{})
	}
	if err := multistream.SelectProtoOrFail(protocol, stream); err != nil {
		st.Reset()
		var notSupported multistream.ErrNotSupported[string]
		if errors.As(err, &notSupported) {
			return nil, fmt.Errorf("%w: peer does not support %s", perf.ErrNegotiationFailed, protocol)
		}
		return nil, s.mapErr(err)
	}
	return stream, nil
}

// Accept waits for the next inbound substream. The protocol is not yet
// negotiated; call Negotiate on the result.
func (s *Session) Accept() (*Stream, error) {
	st, err := s.sess.AcceptStream()
	if err != nil {
		return nil, s.mapErr(err)
	}
	return &Stream{Stream: st, sess: s}, nil
}

// Negotiate runs the listener side of protocol selection on an inbound
// substream and returns the protocol the peer picked.
func (s *Session) Negotiate(st *Stream) (string, error) {
	proto, _, err := s.muxer.Negotiate(st)
	if err != nil {
		st.Reset()
		return "", s.mapErr(err)
	}
	return proto, nil
}

func (s *Session) Close() error {
	return s.sess.Close()
}

// CloseChan is closed once the session shut down for any reason.
func (s *Session) CloseChan() <-chan struct{} {
	return s.sess.CloseChan()
}

func (s *Session) IsClosed() bool {
	return s.sess.IsClosed()
}

func (s *Session) RemoteAddr() net.Addr {
	return s.sess.RemoteAddr()
}

// mapErr reports failures caused by the underlying connection going away as
// perf.ErrConnectionLost.
func (s *Session) mapErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if errors.Is(err, perf.ErrConnectionLost) {
		return err
	}
	if s.sess.IsClosed() || errors.Is(err, yamux.ErrSessionShutdown) {
		return fmt.Errorf("%w: %v", perf.ErrConnectionLost, err)
	}
	return err
}

// Stream is one substream of a Session.
type Stream struct {
	*yamux.Stream
	sess *Session
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	return n, s.sess.mapErr(err)
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	return n, s.sess.mapErr(err)
}

func (s *Stream) CloseWrite() error {
	return s.sess.mapErr(s.Stream.CloseWrite())
}
