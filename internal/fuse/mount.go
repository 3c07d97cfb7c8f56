// Package fuse exposes a repository's history as a read-only filesystem:
// HEAD, log/<n> and commits/<id>/<path>.
package fuse

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/git2p/internal/dag"
)

// MountFS mounts the journal view at mountpoint backed by repo.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, repo *dag.Repository, debug bool) (*gofuse.Server, error) {
	root := &RootNode{journal: repo.Journal}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "git2p",
			Name:          "git2p",
			DisableXAttrs: true,
			Debug:         debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}
