package fuse

import (
	"context"
	"encoding/json"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/git2p/internal/dag"
)

const maxLogEntries = 64

// LogDir exposes recent commits as files.
// Layout: log/0 (newest commit JSON), log/1, ...
type LogDir struct {
	fs.Inode
	journal *dag.Journal
}

var _ = (fs.NodeLookuper)((*LogDir)(nil))
var _ = (fs.NodeReaddirer)((*LogDir)(nil))
var _ = (fs.NodeGetattrer)((*LogDir)(nil))

func (d *LogDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("log")
	return fs.OK
}

// recent returns up to n entries from HEAD backwards. A broken chain ends
// the listing early.
func recent(j *dag.Journal, n int) []dag.LogEntry {
	var out []dag.LogEntry
	for e, err := range j.Log() {
		if err != nil || len(out) >= n {
			break
		}
		out = append(out, e)
	}
	return out
}

func (d *LogDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	commits := recent(d.journal, maxLogEntries)
	entries := make([]fuse.DirEntry, 0, len(commits))
	for i := range commits {
		name := strconv.Itoa(i)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno("log", name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LogDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= maxLogEntries {
		return nil, syscall.ENOENT
	}
	commits := recent(d.journal, idx+1)
	if idx >= len(commits) {
		return nil, syscall.ENOENT
	}

	data, err := entryJSON(commits[idx])
	if err != nil {
		return nil, syscall.EIO
	}
	f := &dynamicFile{ino: stableIno("log", name), content: func() []byte { return data }}
	child := d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno("log", name),
	})
	return child, fs.OK
}

type logEntryView struct {
	ID        string            `json:"id"`
	Parent    string            `json:"parent,omitempty"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Tree      map[string]string `json:"tree"`
}

// entryJSON renders one commit as indented JSON.
func entryJSON(e dag.LogEntry) ([]byte, error) {
	data, err := json.MarshalIndent(logEntryView{
		ID:        dag.CIDToFilename(e.ID),
		Parent:    e.Commit.Parent,
		Message:   e.Commit.Message,
		Timestamp: e.Commit.Timestamp,
		Tree:      e.Commit.Tree,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
