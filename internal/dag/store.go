package dag

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Multicodecs distinguishing the two kinds of stored object.
const (
	CodecBlob   = gocid.Raw
	CodecCommit = 0x0129 // dag-json
)

// CidUndef is the undefined/zero CID value, exported for use by other packages.
var CidUndef = gocid.Undef

// ObjectStore manages CID-addressed immutable objects on disk: file blobs
// and commit records, one file per object.
type ObjectStore struct {
	dir string // path to objects/ directory
}

// NewObjectStore creates an ObjectStore at the given directory.
func NewObjectStore(dir string) (*ObjectStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &ObjectStore{dir: dir}, nil
}

// ComputeCID computes a CIDv1 (SHA2-256) with the given codec.
func ComputeCID(codec uint64, data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(codec, mh), nil
}

// BlobCID is the content address of a file's bytes.
func BlobCID(data []byte) (gocid.Cid, error) {
	return ComputeCID(CodecBlob, data)
}

// CIDToFilename returns the base32lower encoding of a CID for use as a filename.
func CIDToFilename(c gocid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// ParseCID decodes a CID string in any multibase.
func ParseCID(s string) (gocid.Cid, error) {
	c, err := gocid.Decode(strings.TrimSpace(s))
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode CID %q: %w", s, err)
	}
	return c, nil
}

// ShortID returns the first 10 hex characters of the CID's digest.
// Every commit CID shares the same multibase/codec prefix, so the digest is
// what tells them apart.
func ShortID(c gocid.Cid) string {
	if !c.Defined() {
		return "(none)"
	}
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return CIDToFilename(c)
	}
	h := hex.EncodeToString(dec.Digest)
	if len(h) > 10 {
		h = h[:10]
	}
	return h
}

func (s *ObjectStore) path(c gocid.Cid) string {
	return filepath.Join(s.dir, CIDToFilename(c))
}

func (s *ObjectStore) has(c gocid.Cid) bool {
	_, err := os.Stat(s.path(c))
	return err == nil
}

// put writes data under c. If the object already exists, this is a no-op:
// same name means same content.
func (s *ObjectStore) put(c gocid.Cid, data []byte) error {
	if s.has(c) {
		return nil
	}
	if err := SafeWrite(s.path(c), data, 0444); err != nil {
		return fmt.Errorf("write object %s: %w", CIDToFilename(c), err)
	}
	return nil
}

func (s *ObjectStore) get(c gocid.Cid, kind string) ([]byte, error) {
	data, err := os.ReadFile(s.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s %s: %w", kind, CIDToFilename(c), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, CIDToFilename(c), err)
	}
	return data, nil
}

// PutBlob stores file bytes, returning their CID. Storing identical bytes
// twice returns the same CID and keeps a single copy.
func (s *ObjectStore) PutBlob(data []byte) (gocid.Cid, error) {
	c, err := BlobCID(data)
	if err != nil {
		return gocid.Undef, err
	}
	if err := s.put(c, data); err != nil {
		return gocid.Undef, err
	}
	return c, nil
}

// PutVerifiedBlob stores bytes that a peer claims hash to id.
func (s *ObjectStore) PutVerifiedBlob(id gocid.Cid, data []byte) error {
	c, err := BlobCID(data)
	if err != nil {
		return err
	}
	if !c.Equals(id) {
		return fmt.Errorf("blob %s: content hashes to %s: %w", CIDToFilename(id), CIDToFilename(c), ErrHashMismatch)
	}
	return s.put(c, data)
}

// GetBlob reads a blob by CID.
func (s *ObjectStore) GetBlob(c gocid.Cid) ([]byte, error) {
	if c.Type() != CodecBlob {
		return nil, fmt.Errorf("blob %s: %w", CIDToFilename(c), ErrNotFound)
	}
	return s.get(c, "blob")
}

// HasBlob checks if a blob exists.
func (s *ObjectStore) HasBlob(c gocid.Cid) bool {
	return c.Defined() && c.Type() == CodecBlob && s.has(c)
}

// HasCommit checks if a commit exists.
func (s *ObjectStore) HasCommit(c gocid.Cid) bool {
	return c.Defined() && c.Type() == CodecCommit && s.has(c)
}

// PutCommit stores a commit and returns its id. A commit whose parent is not
// already stored is rejected, so stored history never has holes.
func (s *ObjectStore) PutCommit(commit *Commit) (gocid.Cid, error) {
	data, err := commit.Encode()
	if err != nil {
		return gocid.Undef, fmt.Errorf("serialize commit: %w", err)
	}
	id, err := ComputeCID(CodecCommit, data)
	if err != nil {
		return gocid.Undef, err
	}
	if err := s.putCommit(id, commit, data); err != nil {
		return gocid.Undef, err
	}
	return id, nil
}

// PutCommitData stores encoded commit bytes received from a peer under the
// id the peer claims for them.
func (s *ObjectStore) PutCommitData(id gocid.Cid, data []byte) error {
	c, err := ComputeCID(CodecCommit, data)
	if err != nil {
		return err
	}
	if !c.Equals(id) {
		return fmt.Errorf("commit %s: content hashes to %s: %w", CIDToFilename(id), CIDToFilename(c), ErrHashMismatch)
	}
	commit, err := DecodeCommit(data)
	if err != nil {
		return fmt.Errorf("commit %s: %v: %w", CIDToFilename(id), err, ErrHashMismatch)
	}
	return s.putCommit(id, commit, data)
}

func (s *ObjectStore) putCommit(id gocid.Cid, commit *Commit, data []byte) error {
	parent, err := commit.ParentID()
	if err != nil {
		return fmt.Errorf("commit %s: %v: %w", CIDToFilename(id), err, ErrInvalidParent)
	}
	if parent.Defined() && !s.HasCommit(parent) {
		return fmt.Errorf("commit %s: parent %s not stored: %w", CIDToFilename(id), CIDToFilename(parent), ErrInvalidParent)
	}
	return s.put(id, data)
}

// GetCommitData reads a commit's stored bytes.
func (s *ObjectStore) GetCommitData(c gocid.Cid) ([]byte, error) {
	if c.Type() != CodecCommit {
		return nil, fmt.Errorf("commit %s: %w", CIDToFilename(c), ErrNotFound)
	}
	return s.get(c, "commit")
}

// GetCommit reads and decodes a commit.
func (s *ObjectStore) GetCommit(c gocid.Cid) (*Commit, error) {
	data, err := s.GetCommitData(c)
	if err != nil {
		return nil, err
	}
	commit, err := DecodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", CIDToFilename(c), err)
	}
	return commit, nil
}

// Dir returns the objects directory.
func (s *ObjectStore) Dir() string {
	return s.dir
}
