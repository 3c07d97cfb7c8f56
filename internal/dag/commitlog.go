package dag

import (
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// DefaultMaxWalkDepth bounds ancestry walks.
const DefaultMaxWalkDepth = 10000

const defaultCacheSize = 512

// Relation describes how a remote head relates to the local one.
type Relation int

const (
	Equal    Relation = iota // same commit
	Ahead                    // remote is a strict ancestor of local
	Behind                   // local is a strict ancestor of remote
	Diverged                 // neither contains the other
	Unknown                  // remote commit is not stored locally
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Ahead:
		return "ahead"
	case Behind:
		return "behind"
	case Diverged:
		return "diverged"
	case Unknown:
		return "unknown"
	}
	return "relation(" + strconv.Itoa(int(r)) + ")"
}

// LogEntry is one step of a history walk.
type LogEntry struct {
	ID     gocid.Cid
	Commit *Commit
}

// Journal owns HEAD and the commit graph. Every HEAD move (Commit,
// FastForward) and every working tree rewrite (Revert) holds mu and the
// repository's process lock, so a local commit and a sync-driven
// fast-forward never interleave, in this process or across processes.
type Journal struct {
	headPath string
	store    *ObjectStore
	tracker  *Tracker
	cache    *lru.Cache // gocid.Cid -> *Commit
	proc     processLock

	mu       sync.Mutex
	now      func() time.Time
	maxDepth int

	lastHead gocid.Cid // HEAD as last written or seen by this process

	advMu     sync.Mutex
	onAdvance []func(gocid.Cid)
}

// processLock excludes other processes working on the same repository.
type processLock interface {
	Lock() error
	Unlock() error
}

// NewJournal creates a Journal that reads/writes HEAD at headPath.
func NewJournal(headPath string, store *ObjectStore, tracker *Tracker) (*Journal, error) {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("commit cache: %w", err)
	}
	j := &Journal{
		headPath: headPath,
		store:    store,
		tracker:  tracker,
		cache:    cache,
		now:      time.Now,
		maxDepth: DefaultMaxWalkDepth,
	}
	if head, err := j.Head(); err == nil {
		j.lastHead = head
	}
	return j, nil
}

// SetClock replaces the timestamp source for new commits.
func (j *Journal) SetClock(now func() time.Time) {
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

// SetMaxWalkDepth bounds ancestry walks in Relate. Values < 1 are ignored.
func (j *Journal) SetMaxWalkDepth(n int) {
	if n < 1 {
		return
	}
	j.mu.Lock()
	j.maxDepth = n
	j.mu.Unlock()
}

// Store returns the object store backing the journal.
func (j *Journal) Store() *ObjectStore { return j.store }

// Tracker returns the working tree tracker.
func (j *Journal) Tracker() *Tracker { return j.tracker }

// OnAdvance registers fn to run after every HEAD move.
func (j *Journal) OnAdvance(fn func(head gocid.Cid)) {
	j.advMu.Lock()
	j.onAdvance = append(j.onAdvance, fn)
	j.advMu.Unlock()
}

func (j *Journal) notify(head gocid.Cid) {
	j.advMu.Lock()
	fns := append([]func(gocid.Cid){}, j.onAdvance...)
	j.advMu.Unlock()
	for _, fn := range fns {
		fn(head)
	}
}

// lockProcess takes the process lock, if the journal has one. Callers hold
// mu.
func (j *Journal) lockProcess() (func(), error) {
	if j.proc == nil {
		return func() {}, nil
	}
	if err := j.proc.Lock(); err != nil {
		return nil, err
	}
	return func() { j.proc.Unlock() }, nil
}

// Refresh picks up HEAD and tracked set changes made by another process.
// A HEAD that moved since the last callback runs the OnAdvance callbacks
// as a local move would.
func (j *Journal) Refresh() error {
	j.mu.Lock()
	err := j.tracker.Reload()
	var head gocid.Cid
	if err == nil {
		head, err = j.Head()
	}
	moved := err == nil && head.Defined() && !head.Equals(j.lastHead)
	if moved {
		j.lastHead = head
	}
	j.mu.Unlock()
	if err != nil {
		return err
	}
	if moved {
		j.notify(head)
	}
	return nil
}

// Head returns the CID of the current HEAD commit, or gocid.Undef if none.
func (j *Journal) Head() (gocid.Cid, error) {
	data, err := os.ReadFile(j.headPath)
	if os.IsNotExist(err) {
		return gocid.Undef, nil
	}
	if err != nil {
		return gocid.Undef, fmt.Errorf("read HEAD: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return gocid.Undef, nil
	}
	c, err := ParseCID(s)
	if err != nil {
		return gocid.Undef, fmt.Errorf("HEAD: %w", err)
	}
	return c, nil
}

// setHead writes HEAD. Callers hold mu.
func (j *Journal) setHead(c gocid.Cid) error {
	if err := SafeWrite(j.headPath, []byte(CIDToFilename(c)+"\n"), 0644); err != nil {
		return fmt.Errorf("write HEAD: %w", err)
	}
	j.lastHead = c
	return nil
}

// headCommit returns HEAD and its decoded commit (nil for an empty repo).
func (j *Journal) headCommit() (gocid.Cid, *Commit, error) {
	head, err := j.Head()
	if err != nil || !head.Defined() {
		return head, nil, err
	}
	c, err := j.GetCommit(head)
	if errors.Is(err, ErrNotFound) {
		return head, nil, fmt.Errorf("HEAD %s: %w", CIDToFilename(head), ErrBrokenChain)
	}
	if err != nil {
		return head, nil, err
	}
	return head, c, nil
}

// GetCommit reads a commit through the decode cache.
func (j *Journal) GetCommit(id gocid.Cid) (*Commit, error) {
	if v, ok := j.cache.Get(id); ok {
		return v.(*Commit), nil
	}
	c, err := j.store.GetCommit(id)
	if err != nil {
		return nil, err
	}
	j.cache.Add(id, c)
	return c, nil
}

// Commit snapshots every tracked file, stores a commit whose parent is the
// current HEAD and advances HEAD to it.
func (j *Journal) Commit(message string) (gocid.Cid, error) {
	id, err := j.commit(message)
	if err != nil {
		return gocid.Undef, err
	}
	j.notify(id)
	return id, nil
}

func (j *Journal) commit(message string) (gocid.Cid, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	unlock, err := j.lockProcess()
	if err != nil {
		return gocid.Undef, err
	}
	defer unlock()

	head, parent, err := j.headCommit()
	if err != nil {
		return gocid.Undef, err
	}
	tree, err := j.tracker.Snapshot()
	if err != nil {
		return gocid.Undef, fmt.Errorf("snapshot: %w", err)
	}
	if parent == nil && len(tree) == 0 {
		return gocid.Undef, ErrNothingToCommit
	}
	if parent != nil && SameTree(parent.Tree, tree) {
		return gocid.Undef, ErrNothingToCommit
	}

	c := NewCommit(head, tree, message, j.now())
	id, err := j.store.PutCommit(c)
	if err != nil {
		return gocid.Undef, fmt.Errorf("store commit: %w", err)
	}
	j.cache.Add(id, c)
	if err := j.setHead(id); err != nil {
		return gocid.Undef, err
	}
	return id, nil
}

// Log walks the parent chain from HEAD to the root, newest first. Each
// range re-reads HEAD. A parent that is referenced but not stored yields
// ErrBrokenChain and ends the sequence.
func (j *Journal) Log() iter.Seq2[LogEntry, error] {
	return func(yield func(LogEntry, error) bool) {
		head, err := j.Head()
		if err != nil {
			yield(LogEntry{}, err)
			return
		}
		for e, err := range j.walk(head, ErrBrokenChain) {
			if !yield(e, err) {
				return
			}
		}
	}
}

// Walk is Log starting from an arbitrary commit. An unknown start yields
// ErrNotFound.
func (j *Journal) Walk(start gocid.Cid) iter.Seq2[LogEntry, error] {
	return j.walk(start, ErrNotFound)
}

func (j *Journal) walk(start gocid.Cid, missingStart error) iter.Seq2[LogEntry, error] {
	return func(yield func(LogEntry, error) bool) {
		cur := start
		for cur.Defined() {
			c, err := j.GetCommit(cur)
			if errors.Is(err, ErrNotFound) {
				kind := ErrBrokenChain
				if cur.Equals(start) {
					kind = missingStart
				}
				yield(LogEntry{ID: cur}, fmt.Errorf("commit %s: %w", CIDToFilename(cur), kind))
				return
			}
			if err != nil {
				yield(LogEntry{ID: cur}, err)
				return
			}
			if !yield(LogEntry{ID: cur, Commit: c}, nil) {
				return
			}
			next, err := c.ParentID()
			if err != nil {
				yield(LogEntry{ID: cur}, fmt.Errorf("commit %s: %v: %w", CIDToFilename(cur), err, ErrBrokenChain))
				return
			}
			cur = next
		}
	}
}

// Resolve turns a user reference into a commit id. Accepted forms: HEAD,
// HEAD~N, a full CID, or a unique prefix of a reachable commit's base32 id
// or hex digest.
func (j *Journal) Resolve(ref string) (gocid.Cid, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == "HEAD" || strings.HasPrefix(ref, "HEAD~") {
		return j.resolveHead(ref)
	}

	if c, err := gocid.Decode(ref); err == nil {
		if !j.store.HasCommit(c) {
			return gocid.Undef, fmt.Errorf("commit %s: %w", ref, ErrNotFound)
		}
		return c, nil
	}

	lower := strings.ToLower(ref)
	var matches []gocid.Cid
	for e, err := range j.Log() {
		if err != nil {
			return gocid.Undef, err
		}
		if strings.HasPrefix(CIDToFilename(e.ID), lower) || strings.HasPrefix(digestHex(e.ID), lower) {
			matches = append(matches, e.ID)
		}
	}
	switch len(matches) {
	case 0:
		return gocid.Undef, fmt.Errorf("commit %s: %w", ref, ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return gocid.Undef, fmt.Errorf("commit %s matches %d commits: %w", ref, len(matches), ErrAmbiguousRef)
}

func (j *Journal) resolveHead(ref string) (gocid.Cid, error) {
	n := 0
	if rest, ok := strings.CutPrefix(ref, "HEAD~"); ok {
		v, err := strconv.Atoi(rest)
		if err != nil || v < 0 {
			return gocid.Undef, fmt.Errorf("ref %s: bad ancestor count: %w", ref, ErrNotFound)
		}
		n = v
	}
	i := 0
	for e, err := range j.Log() {
		if err != nil {
			return gocid.Undef, err
		}
		if i == n {
			return e.ID, nil
		}
		i++
	}
	if ref == "" {
		ref = "HEAD"
	}
	return gocid.Undef, fmt.Errorf("ref %s: %w", ref, ErrNotFound)
}

func digestHex(c gocid.Cid) string {
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return ""
	}
	return hex.EncodeToString(dec.Digest)
}

// Revert makes the working tree match the commit ref names. HEAD does not
// move: a later Commit records the reverted state on top of the current
// HEAD.
func (j *Journal) Revert(ref string) (gocid.Cid, error) {
	id, err := j.Resolve(ref)
	if err != nil {
		return gocid.Undef, err
	}
	c, err := j.GetCommit(id)
	if err != nil {
		return gocid.Undef, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	unlock, err := j.lockProcess()
	if err != nil {
		return gocid.Undef, err
	}
	defer unlock()
	if err := j.tracker.Materialize(c); err != nil {
		return gocid.Undef, fmt.Errorf("revert to %s: %w", ShortID(id), err)
	}
	return id, nil
}

// Status lists working tree changes relative to HEAD.
func (j *Journal) Status() ([]Change, error) {
	_, c, err := j.headCommit()
	if err != nil {
		return nil, err
	}
	return j.tracker.DiffAgainst(c)
}

// Relate classifies remote against local. Walks are bounded: an ancestor
// not found within the depth limit is reported as Diverged.
func (j *Journal) Relate(local, remote gocid.Cid) (Relation, error) {
	j.mu.Lock()
	depth := j.maxDepth
	j.mu.Unlock()
	return j.relate(local, remote, depth)
}

func (j *Journal) relate(local, remote gocid.Cid, depth int) (Relation, error) {
	switch {
	case local.Equals(remote):
		return Equal, nil
	case !remote.Defined():
		return Ahead, nil
	case !j.store.HasCommit(remote):
		return Unknown, nil
	case !local.Defined():
		return Behind, nil
	}

	if ok, err := j.reaches(local, remote, depth); err != nil {
		return Diverged, err
	} else if ok {
		return Ahead, nil
	}
	if ok, err := j.reaches(remote, local, depth); err != nil {
		return Diverged, err
	} else if ok {
		return Behind, nil
	}
	return Diverged, nil
}

// reaches reports whether target is a strict ancestor of from within depth
// parent steps.
func (j *Journal) reaches(from, target gocid.Cid, depth int) (bool, error) {
	steps := 0
	for e, err := range j.Walk(from) {
		if err != nil {
			return false, err
		}
		if steps > 0 && e.ID.Equals(target) {
			return true, nil
		}
		steps++
		if steps > depth {
			return false, nil
		}
	}
	return false, nil
}

// FastForward moves HEAD to target when target descends from HEAD. The
// working tree must match HEAD unless force is set, and every blob of the
// target tree must already be stored. Any other relation is returned with
// HEAD untouched.
func (j *Journal) FastForward(target gocid.Cid, force bool) (Relation, error) {
	rel, err := j.fastForward(target, force)
	if err != nil || rel != Behind {
		return rel, err
	}
	j.notify(target)
	return rel, nil
}

func (j *Journal) fastForward(target gocid.Cid, force bool) (Relation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	unlock, err := j.lockProcess()
	if err != nil {
		return Unknown, err
	}
	defer unlock()

	head, cur, err := j.headCommit()
	if err != nil {
		return Unknown, err
	}
	rel, err := j.relate(head, target, j.maxDepth)
	if err != nil || rel != Behind {
		return rel, err
	}

	next, err := j.GetCommit(target)
	if err != nil {
		return rel, err
	}
	if !force {
		changes, err := j.tracker.DiffAgainst(cur)
		if err != nil {
			return rel, err
		}
		if len(changes) > 0 {
			return rel, fmt.Errorf("fast-forward to %s: %d changed paths: %w", ShortID(target), len(changes), ErrDirtyTree)
		}
	}
	blobs, err := next.Blobs()
	if err != nil {
		return rel, fmt.Errorf("commit %s: %v: %w", ShortID(target), err, ErrHashMismatch)
	}
	for _, b := range blobs {
		if !j.store.HasBlob(b) {
			return rel, fmt.Errorf("fast-forward to %s: blob %s: %w", ShortID(target), CIDToFilename(b), ErrNotFound)
		}
	}
	if err := j.tracker.Materialize(next); err != nil {
		return rel, fmt.Errorf("fast-forward to %s: %w", ShortID(target), err)
	}
	if err := j.setHead(target); err != nil {
		return rel, err
	}
	return rel, nil
}
