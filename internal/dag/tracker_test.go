package dag

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	gocid "github.com/ipfs/go-cid"
)

func TestTrack_File(t *testing.T) {
	repo := initTestRepo(t)
	writeFile(t, repo, "a.txt", "x")

	added, err := repo.Tracker.Track("a.txt")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !reflect.DeepEqual(added, []string{"a.txt"}) {
		t.Errorf("added = %v", added)
	}
	if _, err := repo.Tracker.Track(filepath.Join(repo.Root(), "a.txt")); !errors.Is(err, ErrAlreadyTracked) {
		t.Errorf("Track twice: err = %v, want ErrAlreadyTracked", err)
	}
}

func TestTrack_Missing(t *testing.T) {
	repo := initTestRepo(t)
	if _, err := repo.Tracker.Track("nope.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTrack_RejectsOutsidePaths(t *testing.T) {
	repo := initTestRepo(t)
	for _, p := range []string{"../escape.txt", ".git2p/HEAD", filepath.Join(os.TempDir(), "elsewhere")} {
		if _, err := repo.Tracker.Track(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Track(%q): err = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestTrack_Directory(t *testing.T) {
	repo := initTestRepo(t)
	writeFile(t, repo, "docs/b.txt", "b")
	writeFile(t, repo, "docs/deep/a.txt", "a")
	writeFile(t, repo, "top.txt", "t")

	added, err := repo.Tracker.Track("docs")
	if err != nil {
		t.Fatalf("Track dir: %v", err)
	}
	want := []string{"docs/b.txt", "docs/deep/a.txt"}
	if !reflect.DeepEqual(added, want) {
		t.Errorf("added = %v, want %v", added, want)
	}

	// Tracking the root picks up the rest and skips the data directory.
	added, err = repo.Tracker.Track(".")
	if err != nil {
		t.Fatalf("Track root: %v", err)
	}
	if !reflect.DeepEqual(added, []string{"top.txt"}) {
		t.Errorf("added = %v, want [top.txt]", added)
	}
	if _, err := repo.Tracker.Track("docs"); !errors.Is(err, ErrAlreadyTracked) {
		t.Errorf("re-track dir: err = %v, want ErrAlreadyTracked", err)
	}
}

func TestUntrack(t *testing.T) {
	repo := initTestRepo(t)
	writeFile(t, repo, "a.txt", "x")
	repo.Tracker.Track("a.txt")

	if err := repo.Tracker.Untrack("a.txt"); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	if repo.Tracker.IsTracked("a.txt") {
		t.Error("still tracked")
	}
	if readFile(t, repo, "a.txt") != "x" {
		t.Error("Untrack touched the file")
	}
	if err := repo.Tracker.Untrack("a.txt"); !errors.Is(err, ErrNotTracked) {
		t.Errorf("Untrack twice: err = %v, want ErrNotTracked", err)
	}
}

func TestSnapshot_SkipsMissingFiles(t *testing.T) {
	repo := initTestRepo(t)
	writeFile(t, repo, "a.txt", "x")
	writeFile(t, repo, "b.txt", "y")
	repo.Tracker.Track("a.txt")
	repo.Tracker.Track("b.txt")
	os.Remove(filepath.Join(repo.Root(), "b.txt"))

	tree, err := repo.Tracker.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(tree) != 1 {
		t.Fatalf("tree = %v, want only a.txt", tree)
	}
	x, _ := BlobCID([]byte("x"))
	if tree["a.txt"] != CIDToFilename(x) {
		t.Errorf("a.txt -> %s, want %s", tree["a.txt"], CIDToFilename(x))
	}
	if !repo.Store.HasBlob(x) {
		t.Error("Snapshot did not store the blob")
	}
}

func TestDiffAgainst(t *testing.T) {
	repo := initTestRepo(t)
	writeFile(t, repo, "keep.txt", "k")
	writeFile(t, repo, "mod.txt", "1")
	writeFile(t, repo, "gone.txt", "g")
	for _, p := range []string{"keep.txt", "mod.txt", "gone.txt"} {
		repo.Tracker.Track(p)
	}
	id, err := repo.Journal.Commit("base")
	if err != nil {
		t.Fatal(err)
	}
	base, _ := repo.Journal.GetCommit(id)

	writeFile(t, repo, "mod.txt", "2")
	os.Remove(filepath.Join(repo.Root(), "gone.txt"))
	writeFile(t, repo, "new.txt", "n")
	repo.Tracker.Track("new.txt")

	changes, err := repo.Tracker.DiffAgainst(base)
	if err != nil {
		t.Fatalf("DiffAgainst: %v", err)
	}
	want := []Change{
		{Path: "gone.txt", Kind: Removed},
		{Path: "mod.txt", Kind: Modified},
		{Path: "new.txt", Kind: Added},
	}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("changes = %v, want %v", changes, want)
	}

	all, _ := repo.Tracker.DiffAgainst(nil)
	if len(all) != 3 {
		t.Errorf("diff against empty tree = %v", all)
	}
}

func TestMaterialize(t *testing.T) {
	repo := initTestRepo(t)
	x, _ := repo.Store.PutBlob([]byte("x"))
	n, _ := repo.Store.PutBlob([]byte("nested"))
	target := NewCommit(gocid.Undef, map[string]string{
		"a.txt":       CIDToFilename(x),
		"sub/dir.txt": CIDToFilename(n),
	}, "target", fixedClock()())

	writeFile(t, repo, "a.txt", "local edit")
	writeFile(t, repo, "old.txt", "stale")
	writeFile(t, repo, "untracked.txt", "leave me")
	repo.Tracker.Track("a.txt")
	repo.Tracker.Track("old.txt")

	if err := repo.Tracker.Materialize(target); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := readFile(t, repo, "a.txt"); got != "x" {
		t.Errorf("a.txt = %q", got)
	}
	if got := readFile(t, repo, "sub/dir.txt"); got != "nested" {
		t.Errorf("sub/dir.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(repo.Root(), "old.txt")); !os.IsNotExist(err) {
		t.Errorf("old.txt should be removed (err=%v)", err)
	}
	if got := readFile(t, repo, "untracked.txt"); got != "leave me" {
		t.Errorf("untracked file changed: %q", got)
	}
	if !reflect.DeepEqual(repo.Tracker.Tracked(), []string{"a.txt", "sub/dir.txt"}) {
		t.Errorf("tracked = %v", repo.Tracker.Tracked())
	}
}

func TestMaterialize_MissingBlobTouchesNothing(t *testing.T) {
	repo := initTestRepo(t)
	x, _ := repo.Store.PutBlob([]byte("x"))
	absent, _ := BlobCID([]byte("absent"))
	target := NewCommit(gocid.Undef, map[string]string{
		"a.txt": CIDToFilename(x),
		"b.txt": CIDToFilename(absent),
	}, "target", fixedClock()())

	writeFile(t, repo, "a.txt", "local")
	repo.Tracker.Track("a.txt")

	if err := repo.Tracker.Materialize(target); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := readFile(t, repo, "a.txt"); got != "local" {
		t.Errorf("a.txt rewritten to %q", got)
	}
}
