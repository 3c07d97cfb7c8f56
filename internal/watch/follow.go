package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/systemshift/git2p/internal/dag"
)

// followDebounce coalesces the events of one HEAD rewrite.
const followDebounce = 100 * time.Millisecond

// Follower picks up commits, reverts and pulls made by other processes on
// the same repository, so a long-running daemon announces them like its
// own.
type Follower struct {
	journal *dag.Journal
	dataDir string
	logger  *slog.Logger
}

// NewFollower creates a follower for the repository data directory dataDir.
func NewFollower(journal *dag.Journal, dataDir string, logger *slog.Logger) (*Follower, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := filepath.EvalSymlinks(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dataDir, err)
	}
	return &Follower{journal: journal, dataDir: dir, logger: logger}, nil
}

// Run watches the data directory until ctx is done.
func (f *Follower) Run(ctx context.Context) error {
	events := make(chan notify.EventInfo, 16)
	if err := notify.Watch(f.dataDir, events, notify.All); err != nil {
		return fmt.Errorf("watching %s: %w", f.dataDir, err)
	}
	defer notify.Stop(events)

	timer := time.NewTimer(followDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch filepath.Base(ev.Path()) {
			case dag.HeadFile, dag.TrackedFile:
				timer.Reset(followDebounce)
			}
		case <-timer.C:
			if err := f.journal.Refresh(); err != nil {
				f.logger.Warn("refresh failed", "error", err)
			}
		}
	}
}
