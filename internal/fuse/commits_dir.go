package fuse

import (
	"context"
	"sort"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/git2p/internal/dag"
)

// CommitsDir holds one directory per commit, named by its id. Listing shows
// the recent history; lookup accepts any ref the journal resolves.
type CommitsDir struct {
	fs.Inode
	journal *dag.Journal
}

var _ = (fs.NodeLookuper)((*CommitsDir)(nil))
var _ = (fs.NodeReaddirer)((*CommitsDir)(nil))
var _ = (fs.NodeGetattrer)((*CommitsDir)(nil))

func (d *CommitsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("commits")
	return fs.OK
}

func (d *CommitsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	commits := recent(d.journal, maxLogEntries)
	entries := make([]fuse.DirEntry, 0, len(commits))
	for _, e := range commits {
		name := dag.CIDToFilename(e.ID)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("commits", name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *CommitsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, err := d.journal.Resolve(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	c, err := d.journal.GetCommit(id)
	if err != nil {
		return nil, syscall.EIO
	}
	key := dag.CIDToFilename(id)
	dir := &TreeDir{store: d.journal.Store(), commit: key, tree: c.Tree}
	child := d.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("commits", key),
	})
	return child, fs.OK
}

// TreeDir is one directory level of a commit's tree.
type TreeDir struct {
	fs.Inode
	store  *dag.ObjectStore
	commit string
	tree   map[string]string
	prefix string // "" for the top level, otherwise "dir/sub/"
}

var _ = (fs.NodeLookuper)((*TreeDir)(nil))
var _ = (fs.NodeReaddirer)((*TreeDir)(nil))
var _ = (fs.NodeGetattrer)((*TreeDir)(nil))

func (d *TreeDir) ino(name string) uint64 {
	return stableIno("commits", d.commit, d.prefix+name)
}

func (d *TreeDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("commits", d.commit, d.prefix)
	return fs.OK
}

func (d *TreeDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirs, files := listLevel(d.tree, d.prefix)
	entries := make([]fuse.DirEntry, 0, len(dirs)+len(files))
	for _, name := range dirs {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR, Ino: d.ino(name)})
	}
	for _, name := range files {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFREG, Ino: d.ino(name)})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *TreeDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	full := d.prefix + name
	if blob, ok := d.tree[full]; ok {
		id, err := dag.ParseCID(blob)
		if err != nil {
			return nil, syscall.EIO
		}
		data, err := d.store.GetBlob(id)
		if err != nil {
			return nil, syscall.EIO
		}
		f := &dynamicFile{ino: d.ino(name), content: func() []byte { return data }}
		return d.NewInode(ctx, f, fs.StableAttr{Mode: syscall.S_IFREG, Ino: d.ino(name)}), fs.OK
	}
	if !hasPrefix(d.tree, full+"/") {
		return nil, syscall.ENOENT
	}
	sub := &TreeDir{store: d.store, commit: d.commit, tree: d.tree, prefix: full + "/"}
	return d.NewInode(ctx, sub, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: d.ino(name)}), fs.OK
}

// listLevel returns the subdirectory and file names directly under prefix,
// each sorted.
func listLevel(tree map[string]string, prefix string) (dirs, files []string) {
	seen := make(map[string]bool)
	for p := range tree {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || rest == "" {
			continue
		}
		if dir, _, nested := strings.Cut(rest, "/"); nested {
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
			continue
		}
		files = append(files, rest)
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files
}

func hasPrefix(tree map[string]string, prefix string) bool {
	for p := range tree {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
