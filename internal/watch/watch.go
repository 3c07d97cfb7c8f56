// Package watch commits tracked files automatically when they change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/systemshift/git2p/internal/dag"
)

// DefaultDebounce is how long the tree must be quiet before a commit.
const DefaultDebounce = 500 * time.Millisecond

// maxListed bounds how many paths an auto-commit message names.
const maxListed = 5

// Watcher turns filesystem events on tracked paths into commits.
type Watcher struct {
	journal  *dag.Journal
	tracker  *dag.Tracker
	root     string
	debounce time.Duration
	logger   *slog.Logger
}

// New creates a watcher for the repository behind journal.
func New(journal *dag.Journal, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	tracker := journal.Tracker()
	// Events carry resolved paths.
	root, err := filepath.EvalSymlinks(tracker.Root())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", tracker.Root(), err)
	}
	return &Watcher{
		journal:  journal,
		tracker:  tracker,
		root:     root,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// Run watches the working tree until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	events := make(chan notify.EventInfo, 100)
	if err := notify.Watch(filepath.Join(w.root, "..."), events, notify.All); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}
	defer notify.Stop(events)
	w.logger.Info("watching for changes", "root", w.root, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			rel, ok := w.relevant(ev.Path())
			if !ok {
				continue
			}
			pending[rel] = true
			timer.Reset(w.debounce)
		case <-timer.C:
			w.commit(pending)
			pending = make(map[string]bool)
		}
	}
}

// relevant maps an event path to a tracked path.
func (w *Watcher) relevant(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", false
	}
	rel, err = w.tracker.Rel(rel)
	if err != nil || !w.tracker.IsTracked(rel) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) commit(pending map[string]bool) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	id, err := w.journal.Commit(Message(paths))
	switch {
	case errors.Is(err, dag.ErrNothingToCommit):
		w.logger.Debug("no effective change", "paths", paths)
	case err != nil:
		w.logger.Error("auto-commit failed", "error", err)
	default:
		w.logger.Info("auto-committed", "commit", dag.ShortID(id), "paths", len(paths))
	}
}

// Message renders the commit message for an automatic commit of paths.
func Message(paths []string) string {
	if len(paths) <= maxListed {
		return "auto: " + strings.Join(paths, ", ")
	}
	return fmt.Sprintf("auto: %s and %d more", strings.Join(paths[:maxListed], ", "), len(paths)-maxListed)
}
