package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/systemshift/git2p/internal/dag"
	"github.com/systemshift/git2p/internal/peer"
	"github.com/systemshift/git2p/internal/wire"
)

var (
	// ErrHandshake is returned when the remote end fails authentication.
	ErrHandshake = errors.New("handshake failed")
	// ErrSelfConnection is returned when a node reaches itself.
	ErrSelfConnection = errors.New("connected to self")
)

const (
	proofDomain      = "git2p-handshake-v1"
	nonceSize        = 32
	handshakeTimeout = 10 * time.Second
)

// proofPayload is the canonical JSON a peer signs to prove it holds the key
// behind its id: the verifier's nonce bound to the signer's id.
func proofPayload(nonce []byte, signer string) ([]byte, error) {
	return dag.CanonicalJSON(map[string]string{
		"domain": proofDomain,
		"nonce":  base64.StdEncoding.EncodeToString(nonce),
		"peer":   signer,
	})
}

// handshake authenticates both ends of nc. Each side sends Identify with a
// fresh nonce, then signs the other side's nonce. It returns the remote
// Identify once its Proof verified.
func handshake(ctx context.Context, nc manet.Conn, codec *wire.Codec, id *peer.Identity, listen []string) (*wire.Identify, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	nc.SetDeadline(deadline)
	defer nc.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(expired) })
	defer stop()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	if err := codec.Send(&wire.Identify{
		PeerID:    id.DID,
		PublicKey: id.Public(),
		Nonce:     nonce,
		Listen:    listen,
	}); err != nil {
		return nil, fmt.Errorf("send identify: %w", err)
	}

	remote, err := recvAs[*wire.Identify](codec)
	if err != nil {
		return nil, err
	}
	pub, err := peer.DecodePeerID(remote.PeerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if !bytes.Equal(pub, remote.PublicKey) {
		return nil, fmt.Errorf("%w: public key does not match %s", ErrHandshake, remote.PeerID)
	}
	if len(remote.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrHandshake, len(remote.Nonce))
	}
	if remote.PeerID == id.DID {
		return nil, ErrSelfConnection
	}

	payload, err := proofPayload(remote.Nonce, id.DID)
	if err != nil {
		return nil, err
	}
	if err := codec.Send(&wire.Proof{Signature: id.Sign(payload)}); err != nil {
		return nil, fmt.Errorf("send proof: %w", err)
	}

	proof, err := recvAs[*wire.Proof](codec)
	if err != nil {
		return nil, err
	}
	if payload, err = proofPayload(nonce, remote.PeerID); err != nil {
		return nil, err
	}
	if err := peer.Verify(remote.PeerID, payload, proof.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return remote, nil
}

func recvAs[T wire.Message](codec *wire.Codec) (T, error) {
	var zero T
	m, err := codec.Recv()
	if err != nil {
		return zero, fmt.Errorf("handshake: %w", err)
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %s", ErrHandshake, m.Type())
	}
	return t, nil
}
