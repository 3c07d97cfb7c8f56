package dag

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
)

// ChangeKind classifies one path in a diff.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one entry of a working tree diff.
type Change struct {
	Path string
	Kind ChangeKind
}

// Tracker owns the set of tracked paths and the working files they name.
// Paths are slash-separated and relative to the repository root.
type Tracker struct {
	root     string
	listPath string
	store    *ObjectStore

	mu    sync.Mutex
	paths map[string]struct{}
}

// NewTracker loads the tracked set from listPath (absent = empty).
func NewTracker(root, listPath string, store *ObjectStore) (*Tracker, error) {
	t := &Tracker{
		root:     root,
		listPath: listPath,
		store:    store,
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload rereads the tracked set from disk.
func (t *Tracker) Reload() error {
	var list []string
	if _, err := ReadJSON(t.listPath, &list); err != nil {
		return fmt.Errorf("load tracked set: %w", err)
	}
	paths := make(map[string]struct{}, len(list))
	for _, p := range list {
		paths[p] = struct{}{}
	}
	t.mu.Lock()
	t.paths = paths
	t.mu.Unlock()
	return nil
}

// Root returns the working tree root.
func (t *Tracker) Root() string {
	return t.root
}

// Rel converts p (absolute, or relative to the root) into a tracked-path key.
func (t *Tracker) Rel(p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(t.root, p)
	}
	rel, err := filepath.Rel(t.root, abs)
	if err != nil {
		return "", fmt.Errorf("path %s: %w", p, ErrInvalidPath)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s: %w", p, ErrInvalidPath)
	}
	if first, _, _ := strings.Cut(rel, "/"); first == dataDirName {
		return "", fmt.Errorf("path %s: %w", p, ErrInvalidPath)
	}
	return rel, nil
}

func (t *Tracker) abs(rel string) string {
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

// Track adds a file to the tracked set, or every regular file under a
// directory. It returns the newly tracked paths in order.
func (t *Tracker) Track(p string) ([]string, error) {
	if t.isRoot(p) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.trackDir(".")
	}
	rel, err := t.Rel(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(t.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("track %s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", rel, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("track %s: not a regular file: %w", rel, ErrInvalidPath)
		}
		if _, ok := t.paths[rel]; ok {
			return nil, fmt.Errorf("track %s: %w", rel, ErrAlreadyTracked)
		}
		t.paths[rel] = struct{}{}
		if err := t.save(); err != nil {
			delete(t.paths, rel)
			return nil, err
		}
		return []string{rel}, nil
	}
	return t.trackDir(rel)
}

func (t *Tracker) isRoot(p string) bool {
	if !filepath.IsAbs(p) {
		p = filepath.Join(t.root, p)
	}
	return filepath.Clean(p) == filepath.Clean(t.root)
}

// trackDir walks a directory and tracks every regular file under it.
// Callers hold t.mu.
func (t *Tracker) trackDir(rel string) ([]string, error) {
	var added []string
	seen := 0
	err := godirwalk.Walk(t.abs(rel), &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if de.Name() == dataDirName {
					return godirwalk.SkipThis
				}
				return nil
			}
			if !de.IsRegular() {
				return nil
			}
			r, err := filepath.Rel(t.root, osPathname)
			if err != nil {
				return err
			}
			r = filepath.ToSlash(r)
			seen++
			if _, ok := t.paths[r]; ok {
				return nil
			}
			added = append(added, r)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", rel, err)
	}
	if len(added) == 0 && seen > 0 {
		return nil, fmt.Errorf("track %s: %w", rel, ErrAlreadyTracked)
	}
	for _, r := range added {
		t.paths[r] = struct{}{}
	}
	if err := t.save(); err != nil {
		for _, r := range added {
			delete(t.paths, r)
		}
		return nil, err
	}
	sort.Strings(added)
	return added, nil
}

// Untrack removes a path from the tracked set. The file stays on disk.
func (t *Tracker) Untrack(p string) error {
	rel, err := t.Rel(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.paths[rel]; !ok {
		return fmt.Errorf("untrack %s: %w", rel, ErrNotTracked)
	}
	delete(t.paths, rel)
	if err := t.save(); err != nil {
		t.paths[rel] = struct{}{}
		return err
	}
	return nil
}

// IsTracked reports whether rel is in the tracked set.
func (t *Tracker) IsTracked(rel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.paths[rel]
	return ok
}

// Tracked returns the tracked paths in sorted order.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sorted()
}

func (t *Tracker) sorted() []string {
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) save() error {
	if err := WriteJSON(t.listPath, t.sorted()); err != nil {
		return fmt.Errorf("save tracked set: %w", err)
	}
	return nil
}

// Snapshot stores every tracked file as a blob and returns the resulting
// tree. Tracked files missing from disk are left out.
func (t *Tracker) Snapshot() (map[string]string, error) {
	tree := make(map[string]string)
	for _, rel := range t.Tracked() {
		data, err := os.ReadFile(t.abs(rel))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		c, err := t.store.PutBlob(data)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", rel, err)
		}
		tree[rel] = CIDToFilename(c)
	}
	return tree, nil
}

// current hashes the working files without storing them.
func (t *Tracker) current() (map[string]string, error) {
	tree := make(map[string]string)
	for _, rel := range t.Tracked() {
		data, err := os.ReadFile(t.abs(rel))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		c, err := BlobCID(data)
		if err != nil {
			return nil, err
		}
		tree[rel] = CIDToFilename(c)
	}
	return tree, nil
}

// DiffAgainst compares the working files to c's tree. A nil commit is the
// empty tree.
func (t *Tracker) DiffAgainst(c *Commit) ([]Change, error) {
	cur, err := t.current()
	if err != nil {
		return nil, err
	}
	var base map[string]string
	if c != nil {
		base = c.Tree
	}
	return diffTrees(base, cur), nil
}

func diffTrees(base, cur map[string]string) []Change {
	var changes []Change
	for p, b := range cur {
		old, ok := base[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: Added})
		case old != b:
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for p := range base {
		if _, ok := cur[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: Removed})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// Materialize makes the working tree match c: every file in c's tree is
// written atomically, tracked files absent from c are removed from disk, and
// the tracked set becomes exactly c's paths. Every blob is read before the
// first write so a missing object fails the call without touching files.
func (t *Tracker) Materialize(c *Commit) error {
	contents := make(map[string][]byte, len(c.Tree))
	for _, p := range c.Paths() {
		if _, err := t.Rel(p); err != nil {
			return fmt.Errorf("materialize: %w", err)
		}
		id, err := ParseCID(c.Tree[p])
		if err != nil {
			return fmt.Errorf("materialize %s: %w", p, err)
		}
		data, err := t.store.GetBlob(id)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", p, err)
		}
		contents[p] = data
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range c.Paths() {
		dst := t.abs(p)
		if existing, err := os.ReadFile(dst); err == nil && bytes.Equal(existing, contents[p]) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("materialize %s: %w", p, err)
		}
		if err := SafeWrite(dst, contents[p], 0644); err != nil {
			return fmt.Errorf("materialize %s: %w", p, err)
		}
	}
	for old := range t.paths {
		if _, keep := c.Tree[old]; keep {
			continue
		}
		if err := os.Remove(t.abs(old)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", old, err)
		}
		t.pruneEmptyDirs(path.Dir(old))
	}

	t.paths = make(map[string]struct{}, len(c.Tree))
	for p := range c.Tree {
		t.paths[p] = struct{}{}
	}
	return t.save()
}

// pruneEmptyDirs removes now-empty parent directories up to the root.
func (t *Tracker) pruneEmptyDirs(dir string) {
	for dir != "." && dir != "/" && dir != "" {
		if err := os.Remove(t.abs(dir)); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}
