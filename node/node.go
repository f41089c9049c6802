package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jabberwocky238/p2perf/config"
	"github.com/jabberwocky238/p2perf/perf"
	"github.com/jabberwocky238/p2perf/transport"
	"github.com/jabberwocky238/p2perf/transport/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("node closed")

// Node owns the transports, one multiplexed session per connection and
// the benchmark orchestrator driving runs over them.
type Node struct {
	cfg    *config.Config
	muxCfg mux.Config

	key struct {
		privateKey PrivateKey
		publicKey  PublicKey
	}

	server transport.TransportServer
	client transport.TransportClient
	orch   *perf.Orchestrator

	mu       sync.Mutex
	sessions map[perf.ConnID]*mux.Session
	closed   bool

	conns     errgroup.Group
	closeOnce sync.Once
	muxLog    *io.PipeWriter
	log       *logrus.Entry
}

func NewNode(cfg *config.Config) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		muxCfg:   cfg.Mux.MuxConfig(),
		sessions: make(map[perf.ConnID]*mux.Session),
	}

	if cfg.Interface.PrivateKey != "" {
		if err := n.key.privateKey.FromBase64(cfg.Interface.PrivateKey); err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
	} else {
		sk, err := NewPrivateKey()
		if err != nil {
			return nil, err
		}
		n.key.privateKey = sk
	}
	n.key.publicKey = n.key.privateKey.PublicKey()
	n.log = log.WithField("node", n.ID().Short())

	target, err := cfg.Perf.Target()
	if err != nil {
		return nil, err
	}
	policy, err := perf.ParseInitiatePolicy(cfg.Perf.Initiate)
	if err != nil {
		return nil, err
	}

	if n.server, err = config.FromConfigServer(cfg.Transport); err != nil {
		return nil, err
	}
	if n.client, err = config.FromConfigClient(cfg.Transport); err != nil {
		return nil, err
	}

	n.orch = perf.NewOrchestrator(n, perf.Options{
		Target:   target,
		Initiate: policy,
		Logger:   n.log,
	})
	n.muxLog = log.WriterLevel(logrus.DebugLevel)
	return n, nil
}

// ID is the identity presented to peers during the handshake.
func (n *Node) ID() perf.PeerID {
	return n.key.publicKey.PeerID()
}

// Results carries one entry per finished run.
func (n *Node) Results() <-chan perf.Result {
	return n.orch.Results()
}

// Listen binds the server transport. Connections are accepted once Run
// is called.
func (n *Node) Listen(host string, port int) error {
	if err := n.server.Listen(host, port); err != nil {
		return err
	}
	n.log.Infof("Listening on %s", n.server.Addr())
	return nil
}

// Addr is the bound server address, nil before Listen.
func (n *Node) Addr() string {
	if addr := n.server.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Dial connects to a listening node and registers the connection. The
// returned id matches perf.Result.Conn for runs on this connection.
func (n *Node) Dial(endpoint string) (perf.ConnID, error) {
	n.log.Debugf("Dialing %s", endpoint)
	conn, err := n.client.Dial(endpoint)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", endpoint, err)
	}
	peer, err := NewHandshake(conn, n.key.publicKey).Exchange()
	if err != nil {
		conn.Close()
		return "", err
	}
	sess, err := mux.Client(conn, n.muxCfg, n.muxLog)
	if err != nil {
		conn.Close()
		return "", err
	}
	return n.attach(sess, peer.PeerID(), true)
}

// Run drives the orchestrator and, after Listen, the accept loop. It
// returns nil once ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.orch.Run(ctx)
	})
	if n.server.Addr() != nil {
		g.Go(func() error {
			return n.acceptLoop(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		n.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) acceptLoop(ctx context.Context) error {
	defer n.log.Debugf("Routine: accept loop - stopped")
	n.log.Debugf("Routine: accept loop - started")
	for {
		conn, err := n.server.Accept()
		if err != nil {
			if ctx.Err() != nil || n.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		n.log.Debugf("Accepted connection from %s", conn.RemoteAddr())
		n.conns.Go(func() error {
			n.serveInbound(conn)
			return nil
		})
	}
}

func (n *Node) serveInbound(conn transport.TransportConn) {
	peer, err := NewHandshake(conn, n.key.publicKey).Exchange()
	if err != nil {
		n.log.WithError(err).Warnf("Rejecting connection from %s", conn.RemoteAddr())
		conn.Close()
		return
	}
	sess, err := mux.Server(conn, n.muxCfg, n.muxLog)
	if err != nil {
		n.log.WithError(err).Warn("Failed to start session")
		conn.Close()
		return
	}
	if _, err := n.attach(sess, peer.PeerID(), false); err != nil {
		n.log.WithError(err).Debug("Dropped inbound session")
	}
}

func (n *Node) attach(sess *mux.Session, peer perf.PeerID, outbound bool) (perf.ConnID, error) {
	sess.Handle(perf.ProtocolID)
	id := perf.ConnID(uuid.NewString())

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		sess.Close()
		return "", ErrClosed
	}
	n.sessions[id] = sess
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{"conn": id, "peer": peer.Short(), "remote": sess.RemoteAddr()}).Info("Connection established")
	// established must reach the orchestrator before any inbound substream
	n.orch.ConnectionEstablished(id, peer, outbound)
	n.conns.Go(func() error {
		n.serveSession(id, sess)
		return nil
	})
	return id, nil
}

func (n *Node) serveSession(id perf.ConnID, sess *mux.Session) {
	defer func() {
		n.mu.Lock()
		delete(n.sessions, id)
		n.mu.Unlock()
		sess.Close()
		n.orch.ConnectionClosed(id)
		n.log.WithField("conn", id).Info("Connection closed")
	}()

	for {
		st, err := sess.Accept()
		if err != nil {
			return
		}
		go func() {
			proto, err := sess.Negotiate(st)
			if err != nil {
				n.log.WithField("conn", id).WithError(err).Debug("Substream negotiation failed")
				return
			}
			n.log.WithFields(logrus.Fields{"conn": id, "protocol": proto}).Debug("Inbound substream")
			n.orch.InboundSubstream(id, st)
		}()
	}
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// OpenSubstream implements perf.Opener.
func (n *Node) OpenSubstream(ctx context.Context, id perf.ConnID) (perf.Stream, error) {
	n.mu.Lock()
	sess, ok := n.sessions[id]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no session for %s", perf.ErrConnectionLost, id)
	}
	st, err := sess.Open(ctx, perf.ProtocolID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Done is closed once the connection is gone. Unknown ids are reported as
// already gone.
func (n *Node) Done(id perf.ConnID) <-chan struct{} {
	n.mu.Lock()
	sess, ok := n.sessions[id]
	n.mu.Unlock()
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sess.CloseChan()
}

// Disconnect closes one connection. Its runs end with ErrConnectionLost.
func (n *Node) Disconnect(id perf.ConnID) error {
	n.mu.Lock()
	sess, ok := n.sessions[id]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection %s", id)
	}
	return sess.Close()
}

// Close shuts down the server and every session and waits for the
// per connection goroutines.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		sessions := make([]*mux.Session, 0, len(n.sessions))
		for _, sess := range n.sessions {
			sessions = append(sessions, sess)
		}
		n.mu.Unlock()

		err = n.server.Close()
		for _, sess := range sessions {
			sess.Close()
		}
		n.conns.Wait()
		n.muxLog.Close()
	})
	return err
}
