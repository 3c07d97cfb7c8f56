// Package transport carries wire messages between peers over TCP. It
// authenticates both ends with their Ed25519 identities and hands every
// connection to the sync engine.
package transport

import (
	"context"
	"sync"
	"time"

	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/systemshift/git2p/internal/wire"
)

// Conn is an authenticated connection to one peer.
type Conn struct {
	nc       manet.Conn
	codec    *wire.Codec
	peerID   string
	outbound bool

	closeOnce sync.Once
	closeErr  error
}

func newConn(nc manet.Conn, codec *wire.Codec, peerID string, outbound bool) *Conn {
	return &Conn{nc: nc, codec: codec, peerID: peerID, outbound: outbound}
}

// expired is a deadline in the past; setting it unblocks pending I/O.
var expired = time.Unix(1, 0)

// Send writes one message. Cancelling ctx aborts a blocked write and leaves
// the connection unusable.
func (c *Conn) Send(ctx context.Context, m wire.Message) error {
	stop := context.AfterFunc(ctx, func() { c.nc.SetWriteDeadline(expired) })
	defer stop()
	if err := c.codec.Send(m); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Recv reads one message.
func (c *Conn) Recv(ctx context.Context) (wire.Message, error) {
	stop := context.AfterFunc(ctx, func() { c.nc.SetReadDeadline(expired) })
	defer stop()
	m, err := c.codec.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return m, nil
}

// RemotePeer returns the authenticated peer id.
func (c *Conn) RemotePeer() string { return c.peerID }

// RemoteAddr returns the remote multiaddr.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteMultiaddr().String() }

// Outbound reports whether this side dialed.
func (c *Conn) Outbound() bool { return c.outbound }

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.nc.Close() })
	return c.closeErr
}
