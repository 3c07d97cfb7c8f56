package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/git2p/internal/peer"
	"github.com/systemshift/git2p/internal/syncer"
	"github.com/systemshift/git2p/internal/wire"
)

type entry struct {
	conn    *Conn
	session *syncer.Session
}

// Node listens for and dials peers, authenticates them and runs one sync
// session per peer.
type Node struct {
	id     *peer.Identity
	engine *syncer.Engine
	dir    *peer.Directory
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []manet.Listener
	conns     map[string]*entry
}

// NewNode creates a node. dir may be nil, in which case peers are not
// recorded.
func NewNode(id *peer.Identity, engine *syncer.Engine, dir *peer.Directory, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:     id,
		engine: engine,
		dir:    dir,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*entry),
	}
}

// ID returns the local peer id.
func (n *Node) ID() string { return n.id.DID }

// Listen opens a listener on each address.
func (n *Node) Listen(addrs ...ma.Multiaddr) error {
	for _, a := range addrs {
		l, err := manet.Listen(a)
		if err != nil {
			return fmt.Errorf("listen %s: %w", a, err)
		}
		n.mu.Lock()
		n.listeners = append(n.listeners, l)
		n.mu.Unlock()
		n.logger.Info("listening", "addr", l.Multiaddr().String())
	}
	return nil
}

// ListenAddrs returns the bound listen addresses.
func (n *Node) ListenAddrs() []ma.Multiaddr {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ma.Multiaddr, 0, len(n.listeners))
	for _, l := range n.listeners {
		out = append(out, l.Multiaddr())
	}
	return out
}

func (n *Node) listenStrings() []string {
	addrs := n.ListenAddrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// Serve accepts connections on every listener until ctx is done, then
// closes the listeners and every session.
func (n *Node) Serve(ctx context.Context) error {
	n.mu.Lock()
	listeners := append([]manet.Listener(nil), n.listeners...)
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error { return n.acceptLoop(gctx, l) })
	}
	g.Go(func() error {
		<-gctx.Done()
		n.Close()
		return nil
	})
	return g.Wait()
}

func (n *Node) acceptLoop(ctx context.Context, l manet.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", l.Multiaddr(), err)
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.setup(n.ctx, nc, false); err != nil {
				n.logger.Debug("inbound connection rejected", "addr", nc.RemoteMultiaddr().String(), "error", err)
			}
		}()
	}
}

// Dial connects to addr, authenticates the peer and starts its session.
// It returns the remote peer id.
func (n *Node) Dial(ctx context.Context, addr ma.Multiaddr) (string, error) {
	var d manet.Dialer
	nc, err := d.DialContext(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	return n.setup(ctx, nc, true)
}

// Connected reports whether a session with peerID is live.
func (n *Node) Connected(peerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.conns[peerID]
	return ok
}

// Peers returns the ids of connected peers.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.conns))
	for id := range n.conns {
		out = append(out, id)
	}
	return out
}

func (n *Node) setup(ctx context.Context, nc manet.Conn, outbound bool) (string, error) {
	codec := wire.NewCodec(nc)
	remote, err := handshake(ctx, nc, codec, n.id, n.listenStrings())
	if err != nil {
		nc.Close()
		return "", err
	}
	c := newConn(nc, codec, remote.PeerID, outbound)
	n.record(c, remote.Listen)

	s, ok := n.register(c)
	if !ok {
		n.logger.Debug("duplicate connection dropped", "peer", peer.Label(c.peerID), "outbound", outbound)
		c.Close()
		return c.peerID, nil
	}
	n.logger.Info("peer connected", "peer", peer.Label(c.peerID), "addr", c.RemoteAddr(), "outbound", outbound)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		s.Run(n.ctx)
		n.unregister(c)
		n.logger.Info("peer disconnected", "peer", peer.Label(c.peerID))
	}()
	return c.peerID, nil
}

// initiator returns the peer id of the side that opened c.
func (n *Node) initiator(c *Conn) string {
	if c.outbound {
		return n.id.DID
	}
	return c.peerID
}

// preferred reports whether c is the connection both ends keep when two
// exist: the one opened by the smaller peer id.
func (n *Node) preferred(c *Conn) bool {
	return n.initiator(c) == min(n.id.DID, c.peerID)
}

func (n *Node) register(c *Conn) (*syncer.Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return nil, false
	}
	if old, ok := n.conns[c.peerID]; ok {
		if n.preferred(old.conn) || !n.preferred(c) {
			return nil, false
		}
		old.session.Close()
	}
	s := n.engine.Attach(c)
	n.conns[c.peerID] = &entry{conn: c, session: s}
	return s, true
}

func (n *Node) unregister(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.conns[c.peerID]; ok && e.conn == c {
		delete(n.conns, c.peerID)
	}
}

// record stores the peer's dialable addresses: for an outbound connection
// the address dialed, and in both directions the advertised listen ports
// on the observed IP.
func (n *Node) record(c *Conn, listen []string) {
	if n.dir == nil {
		return
	}
	var addrs []ma.Multiaddr
	if c.outbound {
		addrs = append(addrs, c.nc.RemoteMultiaddr())
	}
	ip, err := manet.ToIP(c.nc.RemoteMultiaddr())
	if err == nil {
		for _, s := range listen {
			if a := dialable(ip, s); a != nil {
				addrs = append(addrs, a)
			}
		}
	}
	if err := n.dir.Record(c.peerID, addrs...); err != nil {
		n.logger.Warn("cannot record peer", "peer", peer.Label(c.peerID), "error", err)
	}
}

// dialable combines the observed ip with the tcp port of an advertised
// listen address.
func dialable(ip net.IP, listen string) ma.Multiaddr {
	a, err := ma.NewMultiaddr(listen)
	if err != nil {
		return nil
	}
	port, err := a.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return nil
	}
	proto := "ip4"
	if ip.To4() == nil {
		proto = "ip6"
	}
	out, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%s", proto, ip, port))
	if err != nil {
		return nil
	}
	return out
}

// Close stops accepting, closes every session and waits for them.
func (n *Node) Close() error {
	n.cancel()
	n.mu.Lock()
	listeners := n.listeners
	n.listeners = nil
	sessions := make([]*syncer.Session, 0, len(n.conns))
	for _, e := range n.conns {
		sessions = append(sessions, e.session)
	}
	n.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, s := range sessions {
		s.Close()
	}
	return errors.Join(errs...)
}

// Wait blocks until every connection goroutine has returned.
func (n *Node) Wait() { n.wg.Wait() }
