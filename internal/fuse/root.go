package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/git2p/internal/dag"
)

// RootNode is the mountpoint directory. Contains "HEAD", "log/" and
// "commits/".
type RootNode struct {
	fs.Inode
	journal *dag.Journal
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	head := &dynamicFile{ino: stableIno("HEAD"), content: r.headBytes}
	headInode := r.NewPersistentInode(ctx, head, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno("HEAD"),
	})
	r.AddChild("HEAD", headInode, true)

	logDir := &LogDir{journal: r.journal}
	logInode := r.NewPersistentInode(ctx, logDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("log"),
	})
	r.AddChild("log", logInode, true)

	commitsDir := &CommitsDir{journal: r.journal}
	commitsInode := r.NewPersistentInode(ctx, commitsDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("commits"),
	})
	r.AddChild("commits", commitsInode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

func (r *RootNode) headBytes() []byte {
	head, err := r.journal.Head()
	if err != nil || !head.Defined() {
		return []byte("(none)\n")
	}
	return []byte(dag.CIDToFilename(head) + "\n")
}

// dynamicFile is a read-only file whose content is computed on every
// access.
type dynamicFile struct {
	fs.Inode
	ino     uint64
	content func() []byte
}

var _ = (fs.NodeGetattrer)((*dynamicFile)(nil))
var _ = (fs.NodeReader)((*dynamicFile)(nil))
var _ = (fs.NodeOpener)((*dynamicFile)(nil))

func (f *dynamicFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.content()))
	out.Ino = f.ino
	return fs.OK
}

func (f *dynamicFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *dynamicFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fuse.ReadResultData(slice(f.content(), dest, off)), fs.OK
}

// slice returns the part of data a read of len(dest) bytes at off sees.
func slice(data, dest []byte, off int64) []byte {
	if off >= int64(len(data)) {
		return nil
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}
