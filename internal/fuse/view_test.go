package fuse

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/git2p/internal/dag"
)

func TestListLevel(t *testing.T) {
	tree := map[string]string{
		"README":          "b1",
		"docs/guide.md":   "b2",
		"docs/api/ref.md": "b3",
		"docs/api/x.md":   "b4",
		"src/main.go":     "b5",
	}
	cases := []struct {
		prefix     string
		dirs, file []string
	}{
		{"", []string{"docs", "src"}, []string{"README"}},
		{"docs/", []string{"api"}, []string{"guide.md"}},
		{"docs/api/", nil, []string{"ref.md", "x.md"}},
		{"nope/", nil, nil},
	}
	for _, c := range cases {
		dirs, files := listLevel(tree, c.prefix)
		if diff := cmp.Diff(c.dirs, dirs); diff != "" {
			t.Errorf("dirs under %q (-want +got):\n%s", c.prefix, diff)
		}
		if diff := cmp.Diff(c.file, files); diff != "" {
			t.Errorf("files under %q (-want +got):\n%s", c.prefix, diff)
		}
	}
	require.True(t, hasPrefix(tree, "docs/api/"))
	require.False(t, hasPrefix(tree, "doc/"))
}

func TestSlice(t *testing.T) {
	data := []byte("hello world")
	require.Equal(t, []byte("hello"), slice(data, make([]byte, 5), 0))
	require.Equal(t, []byte("world"), slice(data, make([]byte, 64), 6))
	require.Nil(t, slice(data, make([]byte, 4), 11))
	require.Nil(t, slice(data, make([]byte, 4), 100))
}

func TestRecentAndEntryJSON(t *testing.T) {
	repo, err := dag.Init(t.TempDir(), dag.Options{})
	require.NoError(t, err)
	root := &RootNode{journal: repo.Journal}
	require.Equal(t, "(none)\n", string(root.headBytes()))
	require.Empty(t, recent(repo.Journal, 10))

	path := filepath.Join(repo.Root(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	_, err = repo.Tracker.Track("a.txt")
	require.NoError(t, err)
	id1, err := repo.Journal.Commit("one")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("y"), 0644))
	id2, err := repo.Journal.Commit("two")
	require.NoError(t, err)

	require.Equal(t, dag.CIDToFilename(id2)+"\n", string(root.headBytes()))

	entries := recent(repo.Journal, 10)
	require.Len(t, entries, 2)
	require.Len(t, recent(repo.Journal, 1), 1)

	data, err := entryJSON(entries[0])
	require.NoError(t, err)
	var view logEntryView
	require.NoError(t, json.Unmarshal(data, &view))
	require.Equal(t, dag.CIDToFilename(id2), view.ID)
	require.Equal(t, dag.CIDToFilename(id1), view.Parent)
	require.Equal(t, "two", view.Message)
	require.Contains(t, view.Tree, "a.txt")
}

func TestStableIno(t *testing.T) {
	require.Equal(t, stableIno("commits", "abc", "x"), stableIno("commits/abc/x"))
	require.NotEqual(t, stableIno("log", "0"), stableIno("log", "1"))
}
