package peer

import (
	"context"
	"log/slog"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

// DefaultRedialInterval is how often known peers are redialed.
const DefaultRedialInterval = 30 * time.Second

const maxConcurrentDials = 8

// Dialer opens connections to peers. Dial returns once the connection is
// authenticated and handed to the sync engine.
type Dialer interface {
	Dial(ctx context.Context, addr ma.Multiaddr) (peerID string, err error)
	Connected(peerID string) bool
}

// Redialer periodically dials every known peer that is not connected.
type Redialer struct {
	dir         *Directory
	dialer      Dialer
	interval    time.Duration
	dialTimeout time.Duration
	logger      *slog.Logger
}

// NewRedialer creates a redialer over dir. Zero durations take defaults.
func NewRedialer(dir *Directory, dialer Dialer, interval, dialTimeout time.Duration, logger *slog.Logger) *Redialer {
	if interval <= 0 {
		interval = DefaultRedialInterval
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redialer{
		dir:         dir,
		dialer:      dialer,
		interval:    interval,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Run dials once immediately and then on every tick until ctx is done.
// Dial failures are logged and retried on the next tick.
func (r *Redialer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.DialOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DialOnce dials every disconnected known peer and returns when all
// attempts have finished. Addresses of one peer are tried in order until
// one succeeds.
func (r *Redialer) DialOnce(ctx context.Context) {
	byPeer := make(map[string][]ma.Multiaddr)
	var order []string
	for _, t := range r.dir.Snapshot() {
		if _, ok := byPeer[t.PeerID]; !ok {
			order = append(order, t.PeerID)
		}
		byPeer[t.PeerID] = append(byPeer[t.PeerID], t.Addr)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentDials)
	for _, id := range order {
		if ctx.Err() != nil {
			break
		}
		if r.dialer.Connected(id) {
			continue
		}
		addrs := byPeer[id]
		g.Go(func() error {
			r.dialPeer(ctx, id, addrs)
			return nil
		})
	}
	g.Wait()
}

func (r *Redialer) dialPeer(ctx context.Context, id string, addrs []ma.Multiaddr) {
	for _, a := range addrs {
		if ctx.Err() != nil || r.dialer.Connected(id) {
			return
		}
		dctx, cancel := context.WithTimeout(ctx, r.dialTimeout)
		got, err := r.dialer.Dial(dctx, a)
		cancel()
		if err != nil {
			r.logger.Debug("redial failed", "peer", Label(id), "addr", a.String(), "error", err)
			continue
		}
		if got != id {
			r.logger.Warn("peer at known address changed identity", "addr", a.String(), "want", Label(id), "got", Label(got))
		}
		return
	}
}
