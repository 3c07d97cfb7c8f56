package dag

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	gocid "github.com/ipfs/go-cid"
)

// Commit is an immutable snapshot of every tracked file at one point in
// time. It is serialized via CanonicalJSON and addressed by the CID of
// those bytes, so identical (parent, tree, message, timestamp) always yield
// the same id.
type Commit struct {
	V         int               `json:"v"`
	Parent    string            `json:"parent,omitempty"` // base32 CID of previous commit; empty for the root
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Tree      map[string]string `json:"tree"` // path → base32 blob CID
}

// NewCommit builds a commit on top of parent (gocid.Undef for a root commit).
// The timestamp is normalized to UTC so that encoding does not depend on the
// local zone.
func NewCommit(parent gocid.Cid, tree map[string]string, message string, ts time.Time) *Commit {
	c := &Commit{
		V:         1,
		Message:   message,
		Timestamp: ts.UTC(),
		Tree:      make(map[string]string, len(tree)),
	}
	if parent.Defined() {
		c.Parent = CIDToFilename(parent)
	}
	for p, b := range tree {
		c.Tree[p] = b
	}
	return c
}

// Encode returns the canonical bytes the commit id is computed over.
func (c *Commit) Encode() ([]byte, error) {
	if c.Tree == nil {
		c.Tree = map[string]string{}
	}
	return CanonicalJSON(c)
}

// ID computes the commit's content address.
func (c *Commit) ID() (gocid.Cid, error) {
	data, err := c.Encode()
	if err != nil {
		return gocid.Undef, err
	}
	return ComputeCID(CodecCommit, data)
}

// ParentID decodes the parent pointer; gocid.Undef for the root commit.
func (c *Commit) ParentID() (gocid.Cid, error) {
	if c.Parent == "" {
		return gocid.Undef, nil
	}
	p, err := ParseCID(c.Parent)
	if err != nil {
		return gocid.Undef, fmt.Errorf("commit parent %q: %w", c.Parent, err)
	}
	return p, nil
}

// Paths returns the tree's paths in sorted order.
func (c *Commit) Paths() []string {
	if c == nil {
		return nil
	}
	paths := make([]string, 0, len(c.Tree))
	for p := range c.Tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Blobs returns the decoded blob CIDs of the tree, in path order.
func (c *Commit) Blobs() ([]gocid.Cid, error) {
	paths := c.Paths()
	out := make([]gocid.Cid, 0, len(paths))
	for _, p := range paths {
		b, err := ParseCID(c.Tree[p])
		if err != nil {
			return nil, fmt.Errorf("tree entry %s: %w", p, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// SameTree reports whether two trees map identical paths to identical blobs.
func SameTree(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for p, x := range a {
		if y, ok := b[p]; !ok || x != y {
			return false
		}
	}
	return true
}

// DecodeCommit parses commit bytes as produced by Encode.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}
	if c.Tree == nil {
		c.Tree = map[string]string{}
	}
	return &c, nil
}
