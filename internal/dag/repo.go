package dag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	dataDirName   = ".git2p"
	layoutVersion = 1
)

// DefaultLockTimeout is how long Lock waits for another process.
const DefaultLockTimeout = 5 * time.Second

const lockRetryDelay = 50 * time.Millisecond

// Files under the data directory.
const (
	ObjectsDir   = "objects"
	HeadFile     = "HEAD"
	TrackedFile  = "tracked.json"
	PeersFile    = "peers.json"
	IdentityFile = "identity.json"
	MetaFile     = "meta.json"
	ConfigFile   = "config.yaml"
	LockFile     = "lock"
)

// Options tunes a Repository. The zero value is usable.
type Options struct {
	MaxWalkDepth int
	Now          func() time.Time
	LockTimeout  time.Duration
}

type meta struct {
	Version int       `json:"version"`
	Created time.Time `json:"created"`
}

// Repository is the top-level facade: object store, tracked set and journal
// rooted at one working directory.
type Repository struct {
	root    string
	Store   *ObjectStore
	Tracker *Tracker
	Journal *Journal

	lock        *flock.Flock
	lockTimeout time.Duration
	lockMu      sync.Mutex
	lockDepth   int
}

// Init creates an empty repository layout in root.
func Init(root string, opts Options) (*Repository, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, dataDirName)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrAlreadyInitialized)
	}
	if err := os.MkdirAll(filepath.Join(dir, ObjectsDir), 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	m := meta{Version: layoutVersion, Created: time.Now().UTC()}
	if err := WriteJSON(filepath.Join(dir, MetaFile), m); err != nil {
		return nil, err
	}
	if err := WriteJSON(filepath.Join(dir, TrackedFile), []string{}); err != nil {
		return nil, err
	}
	return Open(root, opts)
}

// Open opens the repository whose working tree is root.
func Open(root string, opts Options) (*Repository, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, dataDirName)

	var m meta
	ok, err := ReadJSON(filepath.Join(dir, MetaFile), &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", root, ErrNotInitialized)
	}
	if m.Version != layoutVersion {
		return nil, fmt.Errorf("%s: unsupported layout version %d", dir, m.Version)
	}

	store, err := NewObjectStore(filepath.Join(dir, ObjectsDir))
	if err != nil {
		return nil, err
	}
	tracker, err := NewTracker(root, filepath.Join(dir, TrackedFile), store)
	if err != nil {
		return nil, err
	}
	journal, err := NewJournal(filepath.Join(dir, HeadFile), store, tracker)
	if err != nil {
		return nil, err
	}
	if opts.Now != nil {
		journal.SetClock(opts.Now)
	}
	journal.SetMaxWalkDepth(opts.MaxWalkDepth)
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	r := &Repository{
		root:        root,
		Store:       store,
		Tracker:     tracker,
		Journal:     journal,
		lock:        flock.New(filepath.Join(dir, LockFile)),
		lockTimeout: opts.LockTimeout,
	}
	journal.proc = r
	return r, nil
}

// Find walks upward from dir to the nearest directory holding a repository.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	start := dir
	for {
		info, err := os.Stat(filepath.Join(dir, dataDirName))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s: %w", start, ErrNotInitialized)
		}
		dir = parent
	}
}

// Root returns the working tree root.
func (r *Repository) Root() string {
	return r.root
}

// DataDir returns the path to the .git2p/ data directory.
func (r *Repository) DataDir() string {
	return filepath.Join(r.root, dataDirName)
}

// Path returns the path of a file inside the data directory.
func (r *Repository) Path(name string) string {
	return RepoPath(r.root, name)
}

// RepoPath returns the path of a file inside the data directory of the
// repository rooted at root.
func RepoPath(root, name string) string {
	return filepath.Join(root, dataDirName, name)
}

// Lock takes the repository's process lock, waiting up to the lock timeout
// while another process holds it. The lock belongs to the process: nested
// calls return at once and each needs its own Unlock. Acquiring it rereads
// the tracked set, since the previous holder may have changed it.
func (r *Repository) Lock() error {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if r.lockDepth > 0 {
		r.lockDepth++
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()
	ok, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock %s: %w", r.lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", r.root, ErrLocked)
	}
	if err := r.Tracker.Reload(); err != nil {
		r.lock.Unlock()
		return err
	}
	r.lockDepth = 1
	return nil
}

// Unlock releases one Lock. The file lock is dropped with the last one.
func (r *Repository) Unlock() error {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if r.lockDepth == 0 {
		return nil
	}
	r.lockDepth--
	if r.lockDepth > 0 {
		return nil
	}
	return r.lock.Unlock()
}
