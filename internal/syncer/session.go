package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	gocid "github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/git2p/internal/dag"
	"github.com/systemshift/git2p/internal/wire"
)

// State is a session's position in the protocol.
type State int

const (
	Connecting State = iota
	Handshaking
	Synced   // heads are equal
	Diverged // neither head contains the other
	Idle     // heads differ and nothing is in flight
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Synced:
		return "synced"
	case Diverged:
		return "diverged"
	case Idle:
		return "idle"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const outboundQueue = 64

// Session runs the protocol over one connection.
type Session struct {
	e      *Engine
	conn   Conn
	logger *slog.Logger

	out      chan wire.Message
	announce chan struct{} // local head moved; coalesced
	kick     chan struct{} // re-run reconcile; coalesced
	wants    chan *wire.Want

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	hello     chan struct{}

	mu         sync.Mutex
	state      State
	remoteHead gocid.Cid
	helloSeen  bool
	pending    *fetch
	err        error

	// fetchMu allows one outstanding Want per session.
	fetchMu sync.Mutex
}

func newSession(e *Engine, conn Conn) *Session {
	return &Session{
		e:        e,
		conn:     conn,
		logger:   e.sessionLogger(conn),
		out:      make(chan wire.Message, outboundQueue),
		announce: make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
		wants:    make(chan *wire.Want, 4),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		hello:    make(chan struct{}),
		state:    Connecting,
	}
}

// Peer returns the remote peer id.
func (s *Session) Peer() string { return s.conn.RemotePeer() }

// RemoteAddr returns the remote network address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != Closed {
		s.state = st
	}
	s.mu.Unlock()
}

// RemoteHead returns the last head the peer reported, and whether it has
// reported one yet.
func (s *Session) RemoteHead() (gocid.Cid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteHead, s.helloSeen
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Run returns shortly after.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// WaitHello blocks until the peer's Hello has arrived.
func (s *Session) WaitHello(ctx context.Context) error {
	select {
	case <-s.hello:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until the connection ends, ctx is cancelled or
// Close is called. A clean disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	head, err := s.e.journal.Head()
	if err != nil {
		s.finish(err)
		return err
	}
	s.setState(Handshaking)
	// Hello goes out before any other frame.
	if err := s.conn.Send(ctx, &wire.Hello{Head: head}); err != nil {
		s.conn.Close()
		if ctx.Err() != nil {
			err = nil
		} else {
			err = fmt.Errorf("send hello: %w", err)
		}
		s.finish(err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.serveLoop(gctx) })
	g.Go(func() error { return s.reconcileLoop(gctx) })
	g.Go(func() error {
		select {
		case <-s.closing:
			return ErrClosed
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	err = g.Wait()
	s.conn.Close()

	if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	s.finish(err)
	if err != nil {
		s.logger.Warn("session ended", "error", err)
	} else {
		s.logger.Debug("session ended")
	}
	return err
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.state = Closed
	s.err = err
	f := s.pending
	s.pending = nil
	s.mu.Unlock()
	if f != nil {
		f.finish(ErrClosed)
	}
	s.e.detach(s)
	close(s.done)
}

// send queues m for the writer.
func (s *Session) send(ctx context.Context, m wire.Message) error {
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case m := <-s.out:
			if err := s.conn.Send(ctx, m); err != nil {
				return fmt.Errorf("send %s: %w", m.Type(), err)
			}
		case <-s.announce:
			head, err := s.e.journal.Head()
			if err != nil {
				return err
			}
			if err := s.conn.Send(ctx, &wire.Announce{Head: head}); err != nil {
				return fmt.Errorf("send announce: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		m, err := s.conn.Recv(ctx)
		if err != nil {
			return err
		}
		switch m := m.(type) {
		case *wire.Hello:
			s.remoteAdvanced(m.Head, true)
		case *wire.Announce:
			s.remoteAdvanced(m.Head, false)
		case *wire.Want:
			select {
			case s.wants <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		case *wire.BlobData, *wire.CommitData, *wire.Done:
			if err := s.receive(m); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected %s message: %w", m.Type(), ErrProtocol)
		}
	}
}

func (s *Session) remoteAdvanced(head gocid.Cid, hello bool) {
	s.mu.Lock()
	s.remoteHead = head
	first := hello && !s.helloSeen
	if hello {
		s.helloSeen = true
	}
	s.mu.Unlock()
	if first {
		close(s.hello)
	}
	s.logger.Debug("remote head", "head", dag.ShortID(head), "hello", hello)
	s.trigger()
}

func (s *Session) localAdvanced() {
	select {
	case s.announce <- struct{}{}:
	default:
	}
	s.trigger()
}

func (s *Session) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) reconcileLoop(ctx context.Context) error {
	for {
		select {
		case <-s.kick:
			if err := s.reconcile(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconcile re-runs the ancestry check against the peer's latest head and
// acts on it according to the engine options. Only errors that must end the
// session are returned.
func (s *Session) reconcile(ctx context.Context) error {
	remote, ok := s.RemoteHead()
	if !ok {
		return nil
	}
	local, err := s.e.journal.Head()
	if err != nil {
		return err
	}
	rel, err := s.e.journal.Relate(local, remote)
	if err != nil {
		return err
	}

	if rel == dag.Unknown && s.e.opts.AutoFetch {
		if _, err := s.Fetch(ctx, remote); err != nil {
			if dag.IsIntegrity(err) || errors.Is(err, ErrProtocol) {
				return err
			}
			s.logger.Warn("prefetch failed", "target", dag.ShortID(remote), "error", err)
			return nil
		}
		if rel, err = s.e.journal.Relate(local, remote); err != nil {
			return err
		}
	}

	if rel == dag.Behind && s.e.opts.AutoPull {
		r, err := s.e.journal.FastForward(remote, false)
		switch {
		case err != nil:
			s.logger.Warn("auto-pull failed", "target", dag.ShortID(remote), "error", err)
		case r == dag.Behind:
			s.logger.Info("fast-forwarded", "head", dag.ShortID(remote))
			rel = dag.Equal
		default:
			rel = r
		}
	}

	s.setState(stateFor(rel))
	s.logger.Debug("reconciled", "local", dag.ShortID(local), "remote", dag.ShortID(remote), "relation", rel)
	return nil
}

func stateFor(rel dag.Relation) State {
	switch rel {
	case dag.Equal:
		return Synced
	case dag.Diverged:
		return Diverged
	}
	return Idle
}
