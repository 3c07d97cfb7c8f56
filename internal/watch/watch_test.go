package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/git2p/internal/dag"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRepo(t *testing.T) *dag.Repository {
	t.Helper()
	repo, err := dag.Init(t.TempDir(), dag.Options{})
	require.NoError(t, err)
	return repo
}

func write(t *testing.T, repo *dag.Repository, rel, content string) {
	t.Helper()
	p := filepath.Join(repo.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestMessage(t *testing.T) {
	require.Equal(t, "auto: a.txt", Message([]string{"a.txt"}))
	require.Equal(t, "auto: a, b", Message([]string{"a", "b"}))
	require.Equal(t, "auto: 1, 2, 3, 4, 5 and 2 more", Message([]string{"1", "2", "3", "4", "5", "6", "7"}))
}

func TestRelevant(t *testing.T) {
	repo := newRepo(t)
	write(t, repo, "a.txt", "x")
	write(t, repo, "docs/b.txt", "y")
	write(t, repo, "untracked.txt", "z")
	_, err := repo.Tracker.Track("a.txt")
	require.NoError(t, err)
	_, err = repo.Tracker.Track("docs")
	require.NoError(t, err)

	w, err := New(repo.Journal, 0, testLogger())
	require.NoError(t, err)

	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{"a.txt", "a.txt", true},
		{"docs/b.txt", "docs/b.txt", true},
		{"untracked.txt", "", false},
		{".git2p/HEAD", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := w.relevant(filepath.Join(w.root, filepath.FromSlash(c.path)))
		require.Equal(t, c.ok, ok, c.path)
		require.Equal(t, c.want, got, c.path)
	}
	_, ok := w.relevant(filepath.Join(os.TempDir(), "elsewhere.txt"))
	require.False(t, ok)
}

func TestWatcher_CommitsTrackedChanges(t *testing.T) {
	repo := newRepo(t)
	write(t, repo, "a.txt", "v1")
	_, err := repo.Tracker.Track("a.txt")
	require.NoError(t, err)
	first, err := repo.Journal.Commit("initial")
	require.NoError(t, err)

	w, err := New(repo.Journal, 50*time.Millisecond, testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watch a moment to be installed.
	time.Sleep(100 * time.Millisecond)
	write(t, repo, "ignored.txt", "not tracked")
	write(t, repo, "a.txt", "v2")

	require.Eventually(t, func() bool {
		h, err := repo.Journal.Head()
		return err == nil && !h.Equals(first)
	}, 5*time.Second, 20*time.Millisecond)

	h, err := repo.Journal.Head()
	require.NoError(t, err)
	c, err := repo.Journal.GetCommit(h)
	require.NoError(t, err)
	require.Equal(t, "auto: a.txt", c.Message)
	require.Equal(t, []string{"a.txt"}, c.Paths())
}

func TestFollower_AnnouncesOtherProcessCommits(t *testing.T) {
	repo := newRepo(t)
	write(t, repo, "a.txt", "v1")
	_, err := repo.Tracker.Track("a.txt")
	require.NoError(t, err)
	_, err = repo.Journal.Commit("initial")
	require.NoError(t, err)

	daemon, err := dag.Open(repo.Root(), dag.Options{})
	require.NoError(t, err)
	advanced := make(chan gocid.Cid, 4)
	daemon.Journal.OnAdvance(func(h gocid.Cid) { advanced <- h })

	f, err := NewFollower(daemon.Journal, daemon.DataDir(), testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	time.Sleep(100 * time.Millisecond)
	write(t, repo, "a.txt", "v2")
	id, err := repo.Journal.Commit("from the cli")
	require.NoError(t, err)

	select {
	case h := <-advanced:
		require.True(t, h.Equals(id), "advanced to %s, want %s", h, id)
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not see the new HEAD")
	}
}
