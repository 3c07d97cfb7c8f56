// Package wire defines the messages peers exchange and their MessagePack
// encoding.
package wire

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/tinylib/msgp/msgp"
)

// Type tags a frame's body.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeWant
	TypeCommitData
	TypeBlobData
	TypeDone
	TypeAnnounce
	TypeIdentify
	TypeProof
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWant:
		return "want"
	case TypeCommitData:
		return "commit"
	case TypeBlobData:
		return "blob"
	case TypeDone:
		return "done"
	case TypeAnnounce:
		return "announce"
	case TypeIdentify:
		return "identify"
	case TypeProof:
		return "proof"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Message is any frame body.
type Message interface {
	Type() Type
	msgp.Encodable
	msgp.Decodable
}

func newMessage(t Type) Message {
	switch t {
	case TypeHello:
		return &Hello{}
	case TypeWant:
		return &Want{}
	case TypeCommitData:
		return &CommitData{}
	case TypeBlobData:
		return &BlobData{}
	case TypeDone:
		return &Done{}
	case TypeAnnounce:
		return &Announce{}
	case TypeIdentify:
		return &Identify{}
	case TypeProof:
		return &Proof{}
	}
	return nil
}

// Hello carries the sender's HEAD. Sent once, immediately, by both sides.
type Hello struct {
	Head gocid.Cid
}

// Want asks for the chain ending at Target. Have is the requester's HEAD;
// the responder stops walking there and omits blobs of Have's tree.
type Want struct {
	Target gocid.Cid
	Have   gocid.Cid
}

// CommitData is one encoded commit.
type CommitData struct {
	ID   gocid.Cid
	Data []byte
}

// BlobData is one blob's bytes.
type BlobData struct {
	ID   gocid.Cid
	Data []byte
}

// Done ends the transfer answering a Want. Error is set when the responder
// could not serve it.
type Done struct {
	Target gocid.Cid
	Error  string
}

// Announce is sent whenever the sender's HEAD moves.
type Announce struct {
	Head gocid.Cid
}

// Identify opens the transport handshake.
type Identify struct {
	PeerID    string
	PublicKey []byte
	Nonce     []byte
	Listen    []string
}

// Proof answers the other side's Identify nonce.
type Proof struct {
	Signature []byte
}

func (*Hello) Type() Type      { return TypeHello }
func (*Want) Type() Type       { return TypeWant }
func (*CommitData) Type() Type { return TypeCommitData }
func (*BlobData) Type() Type   { return TypeBlobData }
func (*Done) Type() Type       { return TypeDone }
func (*Announce) Type() Type   { return TypeAnnounce }
func (*Identify) Type() Type   { return TypeIdentify }
func (*Proof) Type() Type      { return TypeProof }
