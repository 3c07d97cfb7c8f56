package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/git2p/internal/dag"
	"github.com/systemshift/git2p/internal/wire"
)

// Stats counts objects moved by one transfer. Commits and Blobs count
// objects newly written; Duplicates counts received objects that were
// already stored.
type Stats struct {
	Commits    int
	Blobs      int
	Duplicates int
	Bytes      int64
}

func (s *Stats) add(o Stats) {
	s.Commits += o.Commits
	s.Blobs += o.Blobs
	s.Duplicates += o.Duplicates
	s.Bytes += o.Bytes
}

// fetch is the requester side of one Want.
type fetch struct {
	target gocid.Cid
	stats  Stats

	once   sync.Once
	result chan error
}

func (f *fetch) finish(err error) {
	f.once.Do(func() {
		f.result <- err
		close(f.result)
	})
}

// Fetch requests the chain ending at target and stores every commit and
// blob the peer sends. HEAD is not moved. If target is already stored the
// call returns immediately. Cancelling ctx closes the session; objects
// written so far stay valid.
func (s *Session) Fetch(ctx context.Context, target gocid.Cid) (Stats, error) {
	if !target.Defined() {
		return Stats{}, nil
	}
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if s.e.store.HasCommit(target) {
		return Stats{}, nil
	}
	have, err := s.e.journal.Head()
	if err != nil {
		return Stats{}, err
	}

	f := &fetch{target: target, result: make(chan error, 1)}
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return Stats{}, ErrClosed
	}
	s.pending = f
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == f {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	s.logger.Debug("fetching", "target", dag.ShortID(target), "have", dag.ShortID(have))
	if err := s.send(ctx, &wire.Want{Target: target, Have: have}); err != nil {
		if ctx.Err() != nil {
			s.Close()
		}
		return Stats{}, err
	}

	select {
	case err = <-f.result:
	case <-ctx.Done():
		s.Close()
		return s.statsOf(f), ctx.Err()
	}
	stats := s.statsOf(f)
	if err != nil {
		return stats, err
	}
	if !s.e.store.HasCommit(target) {
		return stats, fmt.Errorf("fetch %s: transfer ended without the target commit: %w", dag.ShortID(target), ErrProtocol)
	}
	s.logger.Info("fetched", "target", dag.ShortID(target), "commits", stats.Commits, "blobs", stats.Blobs, "duplicates", stats.Duplicates)
	return stats, nil
}

func (s *Session) statsOf(f *fetch) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f.stats
}

// receive handles a data frame on the reader goroutine. Integrity and
// protocol errors are returned and end the session.
func (s *Session) receive(m wire.Message) error {
	s.mu.Lock()
	f := s.pending
	s.mu.Unlock()
	if f == nil {
		return fmt.Errorf("unsolicited %s: %w", m.Type(), ErrProtocol)
	}

	var st Stats
	var err error
	switch m := m.(type) {
	case *wire.BlobData:
		st.Bytes = int64(len(m.Data))
		if s.e.store.HasBlob(m.ID) {
			st.Duplicates++
		} else if err = s.e.store.PutVerifiedBlob(m.ID, m.Data); err == nil {
			st.Blobs++
		}
	case *wire.CommitData:
		st.Bytes = int64(len(m.Data))
		if s.e.store.HasCommit(m.ID) {
			st.Duplicates++
		} else if err = s.e.store.PutCommitData(m.ID, m.Data); err == nil {
			st.Commits++
		}
	case *wire.Done:
		if !m.Target.Equals(f.target) {
			err = fmt.Errorf("done for %s while fetching %s: %w", dag.ShortID(m.Target), dag.ShortID(f.target), ErrProtocol)
			break
		}
		if m.Error != "" {
			f.finish(fmt.Errorf("peer could not serve %s: %s", dag.ShortID(f.target), m.Error))
			return nil
		}
		f.finish(nil)
		return nil
	}

	s.mu.Lock()
	f.stats.add(st)
	s.mu.Unlock()

	if err != nil {
		if !dag.IsIntegrity(err) && !errors.Is(err, ErrProtocol) {
			err = fmt.Errorf("store received object: %w", err)
		}
		f.finish(err)
		return err
	}
	return nil
}

func (s *Session) serveLoop(ctx context.Context) error {
	for {
		select {
		case w := <-s.wants:
			if err := s.serve(ctx, w); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve answers one Want: the chain from target back to the requester's
// head (or the root), oldest first. Before each commit it sends the blobs
// of that commit's tree that the requester's head does not reference and
// that this transfer has not sent yet. Done ends the stream. Each session
// serves its own Wants one at a time; sessions never wait on each other.
func (s *Session) serve(ctx context.Context, w *wire.Want) error {
	chain, err := s.collect(w.Target, w.Have)
	if err != nil {
		s.logger.Warn("cannot serve want", "target", dag.ShortID(w.Target), "error", err)
		return s.send(ctx, &wire.Done{Target: w.Target, Error: err.Error()})
	}

	skip := make(map[string]bool)
	if s.e.store.HasCommit(w.Have) {
		if have, err := s.e.journal.GetCommit(w.Have); err == nil {
			for _, b := range have.Tree {
				skip[b] = true
			}
		}
	}

	var st Stats
	for _, e := range chain {
		for _, p := range e.Commit.Paths() {
			b := e.Commit.Tree[p]
			if skip[b] {
				continue
			}
			skip[b] = true
			id, err := dag.ParseCID(b)
			if err != nil {
				return s.send(ctx, &wire.Done{Target: w.Target, Error: err.Error()})
			}
			data, err := s.e.store.GetBlob(id)
			if err != nil {
				return s.send(ctx, &wire.Done{Target: w.Target, Error: err.Error()})
			}
			if err := s.send(ctx, &wire.BlobData{ID: id, Data: data}); err != nil {
				return err
			}
			st.Blobs++
			st.Bytes += int64(len(data))
		}
		data, err := s.e.store.GetCommitData(e.ID)
		if err != nil {
			return s.send(ctx, &wire.Done{Target: w.Target, Error: err.Error()})
		}
		if err := s.send(ctx, &wire.CommitData{ID: e.ID, Data: data}); err != nil {
			return err
		}
		st.Commits++
		st.Bytes += int64(len(data))
	}
	s.logger.Debug("served", "target", dag.ShortID(w.Target), "commits", st.Commits, "blobs", st.Blobs)
	return s.send(ctx, &wire.Done{Target: w.Target})
}

// collect returns the commits from target back to (excluding) have, oldest
// first.
func (s *Session) collect(target, have gocid.Cid) ([]dag.LogEntry, error) {
	if !s.e.store.HasCommit(target) {
		return nil, fmt.Errorf("commit %s: %w", dag.CIDToFilename(target), dag.ErrNotFound)
	}
	var chain []dag.LogEntry
	for e, err := range s.e.journal.Walk(target) {
		if err != nil {
			return nil, err
		}
		if have.Defined() && e.ID.Equals(have) {
			break
		}
		chain = append(chain, e)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
