// Package syncer implements the commit exchange protocol between peers:
// head exchange, ancestry check, chain fetch and fast-forward.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/git2p/internal/dag"
	"github.com/systemshift/git2p/internal/peer"
	"github.com/systemshift/git2p/internal/wire"
)

// ErrClosed is returned by operations on a session that has ended.
var ErrClosed = errors.New("session closed")

// ErrProtocol marks a peer that broke the message protocol.
var ErrProtocol = errors.New("protocol violation")

// Conn is one authenticated, ordered, message-based channel to a peer.
type Conn interface {
	Send(ctx context.Context, m wire.Message) error
	Recv(ctx context.Context) (wire.Message, error)
	RemotePeer() string
	RemoteAddr() string
	Close() error
}

// Options configures an Engine.
type Options struct {
	// AutoFetch prefetches objects for unknown remote heads.
	AutoFetch bool
	// AutoPull additionally fast-forwards HEAD when the remote is ahead.
	AutoPull bool
	// HelloTimeout bounds how long Pull waits for a peer's Hello.
	HelloTimeout time.Duration
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		AutoFetch:    true,
		HelloTimeout: 10 * time.Second,
	}
}

// Engine owns every session of one repository.
type Engine struct {
	journal *dag.Journal
	store   *dag.ObjectStore
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewEngine creates an engine over journal and subscribes to its HEAD moves
// so every session announces them.
func NewEngine(journal *dag.Journal, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = DefaultOptions().HelloTimeout
	}
	e := &Engine{
		journal:  journal,
		store:    journal.Store(),
		opts:     opts,
		logger:   logger,
		sessions: make(map[*Session]struct{}),
	}
	journal.OnAdvance(e.localAdvanced)
	return e
}

// Attach registers conn and returns its session. The caller runs it with
// Session.Run.
func (e *Engine) Attach(conn Conn) *Session {
	s := newSession(e, conn)
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
	return s
}

func (e *Engine) detach(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}

// Sessions returns the live sessions.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Connected reports whether a live session exists for peerID.
func (e *Engine) Connected(peerID string) bool {
	for _, s := range e.Sessions() {
		if s.Peer() == peerID {
			return true
		}
	}
	return false
}

func (e *Engine) localAdvanced(head gocid.Cid) {
	e.logger.Debug("local head advanced", "head", dag.ShortID(head))
	for _, s := range e.Sessions() {
		s.localAdvanced()
	}
}

func (e *Engine) sessionLogger(conn Conn) *slog.Logger {
	return e.logger.With("peer", peer.Label(conn.RemotePeer()), "addr", conn.RemoteAddr())
}
