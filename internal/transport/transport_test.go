package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/git2p/internal/dag"
	"github.com/systemshift/git2p/internal/peer"
	"github.com/systemshift/git2p/internal/syncer"
	"github.com/systemshift/git2p/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newIdentity(t *testing.T) *peer.Identity {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return peer.NewIdentity(priv)
}

type testNode struct {
	*Node
	repo *dag.Repository
	dir  *peer.Directory
}

func startNode(t *testing.T, opts syncer.Options) *testNode {
	t.Helper()
	repo, err := dag.Init(t.TempDir(), dag.Options{})
	require.NoError(t, err)
	dir, err := peer.LoadDirectory(repo.Path(dag.PeersFile))
	require.NoError(t, err)

	engine := syncer.NewEngine(repo.Journal, opts, testLogger())
	n := NewNode(newIdentity(t), engine, dir, testLogger())
	require.NoError(t, n.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		n.Wait()
	})
	return &testNode{Node: n, repo: repo, dir: dir}
}

func (n *testNode) addr(t *testing.T) ma.Multiaddr {
	t.Helper()
	addrs := n.ListenAddrs()
	require.NotEmpty(t, addrs)
	return addrs[0]
}

func commitFile(t *testing.T, repo *dag.Repository, rel, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(repo.Root(), rel), []byte(content), 0644))
	if _, err := repo.Tracker.Track(rel); err != nil && !errors.Is(err, dag.ErrAlreadyTracked) {
		t.Fatal(err)
	}
	_, err := repo.Journal.Commit("update " + rel)
	require.NoError(t, err)
}

func TestNode_DialAndPull(t *testing.T) {
	a := startNode(t, syncer.Options{})
	b := startNode(t, syncer.Options{})
	commitFile(t, a.repo, "a.txt", "hello")

	ctx := context.Background()
	id, err := b.Dial(ctx, a.addr(t))
	require.NoError(t, err)
	require.Equal(t, a.ID(), id)
	require.True(t, b.Connected(a.ID()))

	results := b.engine.Pull(ctx, syncer.PullOptions{})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.True(t, results[0].Advanced)

	data, err := os.ReadFile(filepath.Join(b.repo.Root(), "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	ha, _ := a.repo.Journal.Head()
	hb, _ := b.repo.Journal.Head()
	require.True(t, ha.Equals(hb))
}

func TestNode_AutoPullOverTCP(t *testing.T) {
	a := startNode(t, syncer.Options{})
	b := startNode(t, syncer.Options{AutoFetch: true, AutoPull: true})

	_, err := b.Dial(context.Background(), a.addr(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Connected(b.ID()) }, 5*time.Second, 10*time.Millisecond)

	commitFile(t, a.repo, "live.txt", "v1")
	ha, _ := a.repo.Journal.Head()
	require.Eventually(t, func() bool {
		hb, err := b.repo.Journal.Head()
		return err == nil && hb.Equals(ha)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNode_RecordsPeers(t *testing.T) {
	a := startNode(t, syncer.Options{})
	b := startNode(t, syncer.Options{})

	_, err := b.Dial(context.Background(), a.addr(t))
	require.NoError(t, err)

	rec, ok := b.dir.Lookup(a.ID())
	require.True(t, ok)
	require.Contains(t, rec.Addresses, a.addr(t).String())
	require.Equal(t, peer.Petname(a.ID()), rec.Name)

	// The listener learns the dialer's listen port on the observed IP.
	require.Eventually(t, func() bool {
		rec, ok := a.dir.Lookup(b.ID())
		if !ok {
			return false
		}
		for _, s := range rec.Addresses {
			if s == b.addr(t).String() {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_RejectsSelf(t *testing.T) {
	a := startNode(t, syncer.Options{})
	_, err := a.Dial(context.Background(), a.addr(t))
	require.ErrorIs(t, err, ErrSelfConnection)
	require.Empty(t, a.Peers())
}

func TestNode_DuplicateConnections(t *testing.T) {
	a := startNode(t, syncer.Options{})
	b := startNode(t, syncer.Options{})
	ctx := context.Background()

	_, err := a.Dial(ctx, b.addr(t))
	require.NoError(t, err)
	_, err = b.Dial(ctx, a.addr(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.engine.Sessions()) == 1 && len(b.engine.Sessions()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{b.ID()}, a.Peers())
	require.Equal(t, []string{a.ID()}, b.Peers())
}

// rawDial opens an unauthenticated TCP connection to n.
func rawDial(t *testing.T, n *testNode) (manet.Conn, *wire.Codec) {
	t.Helper()
	var d manet.Dialer
	nc, err := d.DialContext(context.Background(), n.addr(t))
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	return nc, wire.NewCodec(nc)
}

func TestHandshake_BadProofIsRejected(t *testing.T) {
	a := startNode(t, syncer.Options{})
	_, codec := rawDial(t, a)

	id := newIdentity(t)
	nonce := make([]byte, nonceSize)
	require.NoError(t, codec.Send(&wire.Identify{PeerID: id.DID, PublicKey: id.Public(), Nonce: nonce}))
	m, err := codec.Recv()
	require.NoError(t, err)
	require.IsType(t, &wire.Identify{}, m)

	// Signed by a different key than the claimed id.
	other := newIdentity(t)
	payload, err := proofPayload(m.(*wire.Identify).Nonce, id.DID)
	require.NoError(t, err)
	require.NoError(t, codec.Send(&wire.Proof{Signature: other.Sign(payload)}))

	// The node sends its own proof and then hangs up.
	for {
		_, err = codec.Recv()
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	require.Empty(t, a.Peers())
}

func TestHandshake_KeyMismatchIsRejected(t *testing.T) {
	a := startNode(t, syncer.Options{})
	_, codec := rawDial(t, a)

	id, other := newIdentity(t), newIdentity(t)
	require.NoError(t, codec.Send(&wire.Identify{PeerID: id.DID, PublicKey: other.Public(), Nonce: make([]byte, nonceSize)}))
	m, err := codec.Recv()
	require.NoError(t, err)
	require.IsType(t, &wire.Identify{}, m)

	_, err = codec.Recv()
	require.Error(t, err)
	require.Empty(t, a.Peers())
}

func TestHandshake_Mutual(t *testing.T) {
	l, err := manet.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer l.Close()

	ida, idb := newIdentity(t), newIdentity(t)
	type result struct {
		remote *wire.Identify
		err    error
	}
	served := make(chan result, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			served <- result{err: err}
			return
		}
		defer nc.Close()
		r, err := handshake(context.Background(), nc, wire.NewCodec(nc), ida, []string{"/ip4/0.0.0.0/tcp/4001"})
		served <- result{r, err}
	}()

	var d manet.Dialer
	nc, err := d.DialContext(context.Background(), l.Multiaddr())
	require.NoError(t, err)
	defer nc.Close()
	remote, err := handshake(context.Background(), nc, wire.NewCodec(nc), idb, nil)
	require.NoError(t, err)
	require.Equal(t, ida.DID, remote.PeerID)
	require.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, remote.Listen)

	r := <-served
	require.NoError(t, r.err)
	require.Equal(t, idb.DID, r.remote.PeerID)
}

func TestDialable(t *testing.T) {
	a := dialable(net.ParseIP("192.168.1.7"), "/ip4/0.0.0.0/tcp/4001")
	require.NotNil(t, a)
	require.Equal(t, "/ip4/192.168.1.7/tcp/4001", a.String())

	a = dialable(net.ParseIP("fe80::1"), "/ip6/::/tcp/9000")
	require.NotNil(t, a)
	require.Equal(t, "/ip6/fe80::1/tcp/9000", a.String())

	require.Nil(t, dialable(net.ParseIP("10.0.0.1"), "/ip4/0.0.0.0/udp/53"))
	require.Nil(t, dialable(net.ParseIP("10.0.0.1"), "garbage"))
}

func TestPeerFromTXT(t *testing.T) {
	id, ok := peerFromTXT([]string{"v=1", "peer=did:key:z6Mk"})
	require.True(t, ok)
	require.Equal(t, "did:key:z6Mk", id)

	_, ok = peerFromTXT([]string{"peer="})
	require.False(t, ok)
	_, ok = peerFromTXT(nil)
	require.False(t, ok)
}

func TestInstanceName(t *testing.T) {
	n := instanceName("did:key:z6MkehRgf7yJbgaGfYsdoAsKdBPE3dj2CYhowQdcjqSJgvVd")
	require.Len(t, n, len("git2p-")+12)
	require.Equal(t, n, instanceName("did:key:z6MkehRgf7yJbgaGfYsdoAsKdBPE3dj2CYhowQdcjqSJgvVd"))
	require.NotEqual(t, n, instanceName("did:key:other"))
}

func TestTCPPort(t *testing.T) {
	p, err := tcpPort([]ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/4123")})
	require.NoError(t, err)
	require.Equal(t, 4123, p)

	_, err = tcpPort(nil)
	require.Error(t, err)
}
