// Package peer holds this node's identity and the directory of peers it
// knows about.
package peer

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/systemshift/git2p/internal/dag"
)

const didKeyPrefix = "did:key:"

// ed25519Multicodec is the multicodec prefix for Ed25519 public keys (0xED01).
var ed25519Multicodec = []byte{0xed, 0x01}

// ErrInvalidPeerID is returned for strings that are not Ed25519 did:key ids.
var ErrInvalidPeerID = errors.New("invalid peer id")

// Identity holds an Ed25519 keypair and the derived peer id.
type Identity struct {
	DID        string `json:"did"`
	PublicKey  string `json:"public_key"`  // base64-encoded 32 bytes
	PrivateKey string `json:"private_key"` // base64-encoded 32-byte seed

	priv ed25519.PrivateKey
}

// LoadIdentity reads the identity file at path, generating and storing a
// new keypair if it does not exist.
func LoadIdentity(path string) (*Identity, error) {
	var id Identity
	ok, err := dag.ReadJSON(path, &id)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if !ok {
		return generateIdentity(path)
	}
	if err := id.init(); err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	return &id, nil
}

// generateIdentity creates a new Ed25519 keypair and writes it to disk.
func generateIdentity(path string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	id := NewIdentity(priv)
	data, err := dag.CanonicalJSON(id)
	if err != nil {
		return nil, err
	}
	if err := dag.SafeWrite(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

// NewIdentity wraps an existing private key.
func NewIdentity(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		DID:        EncodePeerID(pub),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
		priv:       priv,
	}
}

func (id *Identity) init() error {
	seed, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("private key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	id.priv = ed25519.NewKeyFromSeed(seed)
	pub := id.priv.Public().(ed25519.PublicKey)
	if EncodePeerID(pub) != id.DID {
		return fmt.Errorf("did %s does not match key", id.DID)
	}
	return nil
}

// Sign signs msg with the private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Public returns the raw public key.
func (id *Identity) Public() ed25519.PublicKey {
	return id.priv.Public().(ed25519.PublicKey)
}

// EncodePeerID encodes a raw Ed25519 public key as did:key:z... using the
// multicodec 0xED01 prefix and base58btc.
func EncodePeerID(pub ed25519.PublicKey) string {
	prefixed := append(append([]byte{}, ed25519Multicodec...), pub...)
	encoded, _ := multibase.Encode(multibase.Base58BTC, prefixed)
	return didKeyPrefix + encoded
}

// DecodePeerID extracts the Ed25519 public key from a did:key peer id.
func DecodePeerID(did string) (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(did, didKeyPrefix)
	if !ok || !strings.HasPrefix(rest, "z") {
		return nil, fmt.Errorf("%q: %w", did, ErrInvalidPeerID)
	}
	enc, data, err := multibase.Decode(rest)
	if err != nil || enc != multibase.Base58BTC {
		return nil, fmt.Errorf("%q: bad base58btc payload: %w", did, ErrInvalidPeerID)
	}
	if !bytes.HasPrefix(data, ed25519Multicodec) || len(data) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%q: not an ed25519 key: %w", did, ErrInvalidPeerID)
	}
	return ed25519.PublicKey(data[len(ed25519Multicodec):]), nil
}

// Verify checks sig over msg against the key embedded in peer id did.
func Verify(did string, msg, sig []byte) error {
	pub, err := DecodePeerID(did)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("peer %s: bad signature", did)
	}
	return nil
}
