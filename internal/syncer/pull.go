package syncer

import (
	"context"
	"fmt"
	"sort"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/git2p/internal/dag"
)

// PullOptions configures Engine.Pull.
type PullOptions struct {
	// Force fast-forwards over uncommitted working tree changes.
	Force bool
}

// PullResult is the outcome of pulling from one peer.
type PullResult struct {
	Peer       string
	RemoteHead gocid.Cid
	Relation   dag.Relation
	Advanced   bool
	Fetched    Stats
	Err        error
}

// Pull asks every connected peer for its head, fetches the missing chain
// when needed and fast-forwards HEAD when the peer is strictly ahead. Peers
// are handled one at a time, ordered by peer id, so a later peer is related
// against the head an earlier peer produced.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) []PullResult {
	sessions := e.Sessions()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Peer() < sessions[j].Peer() })

	results := make([]PullResult, 0, len(sessions))
	for _, s := range sessions {
		if ctx.Err() != nil {
			break
		}
		r := e.pullFrom(ctx, s, opts)
		if r.Err != nil {
			s.logger.Warn("pull failed", "error", r.Err)
		}
		results = append(results, r)
	}
	return results
}

func (e *Engine) pullFrom(ctx context.Context, s *Session, opts PullOptions) PullResult {
	r := PullResult{Peer: s.Peer(), Relation: dag.Unknown}

	hctx, cancel := context.WithTimeout(ctx, e.opts.HelloTimeout)
	err := s.WaitHello(hctx)
	cancel()
	if err != nil {
		r.Err = fmt.Errorf("waiting for hello: %w", err)
		return r
	}
	remote, _ := s.RemoteHead()
	r.RemoteHead = remote

	local, err := e.journal.Head()
	if err != nil {
		r.Err = err
		return r
	}
	if r.Relation, err = e.journal.Relate(local, remote); err != nil {
		r.Err = err
		return r
	}
	if r.Relation == dag.Unknown {
		r.Fetched, err = s.Fetch(ctx, remote)
		if err != nil {
			r.Err = err
			return r
		}
		if r.Relation, err = e.journal.Relate(local, remote); err != nil {
			r.Err = err
			return r
		}
	}
	// Session state belongs to the reconcile loop.
	defer s.trigger()
	if r.Relation != dag.Behind {
		return r
	}

	r.Relation, err = e.journal.FastForward(remote, opts.Force)
	if err != nil {
		r.Err = err
		return r
	}
	if r.Relation == dag.Behind {
		r.Advanced = true
		s.logger.Info("pulled", "head", dag.ShortID(remote))
	}
	return r
}
