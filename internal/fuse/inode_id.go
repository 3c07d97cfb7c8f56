package fuse

import (
	"hash/fnv"
	"strings"
)

// stableIno returns a stable inode number for a path inside the mount.
func stableIno(parts ...string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.Join(parts, "/")))
	return h.Sum64()
}
