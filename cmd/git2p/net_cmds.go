package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/git2p/internal/config"
	"github.com/systemshift/git2p/internal/dag"
	"github.com/systemshift/git2p/internal/peer"
	"github.com/systemshift/git2p/internal/syncer"
	"github.com/systemshift/git2p/internal/transport"
	"github.com/systemshift/git2p/internal/watch"
)

// ErrNoPeers is returned by pull when no peer could be reached.
var ErrNoPeers = errors.New("no peers reachable")

var (
	peerAddrs   []string
	listenAddrs []string
	discoverFor time.Duration
	pullForce   bool
	withWatch   bool
	noMDNS      bool
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch from peers and fast-forward HEAD",
	Long: `Pull connects to the given addresses, the configured peers and every
known peer, then fetches each peer's history and fast-forwards HEAD when the
peer is strictly ahead. Diverged peers are reported and left alone.`,
	Args: cobra.NoArgs,
	RunE: runPull,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Run the sync daemon",
	Long: `Connect listens for peers, dials the given addresses and known peers, and
keeps every session in sync until interrupted. Without --addr, peers on the
local network are found with mDNS.`,
	Args: cobra.NoArgs,
	RunE: runConnect,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Commit tracked files automatically as they change",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show this node's peer id and the known peers",
	Args:  cobra.NoArgs,
	RunE:  runPeers,
}

func init() {
	pullCmd.Flags().StringSliceVar(&peerAddrs, "addr", nil, "peer multiaddr to dial (repeatable)")
	pullCmd.Flags().DurationVar(&discoverFor, "discover", 0, "also query the local network for this long")
	pullCmd.Flags().BoolVar(&pullForce, "force", false, "overwrite uncommitted changes when fast-forwarding")

	connectCmd.Flags().StringSliceVar(&peerAddrs, "addr", nil, "peer multiaddr to dial (repeatable)")
	connectCmd.Flags().StringSliceVar(&listenAddrs, "listen", nil, "multiaddr to listen on (default from config)")
	connectCmd.Flags().BoolVar(&withWatch, "watch", false, "also commit tracked files as they change")
	connectCmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "disable local network discovery")

	rootCmd.AddCommand(pullCmd, connectCmd, watchCmd, peersCmd)
}

func parseAddrs(ss []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(ss))
	for _, s := range ss {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// netStack is everything a networked command needs.
type netStack struct {
	cfg    *config.Config
	logger *slog.Logger
	dir    *peer.Directory
	engine *syncer.Engine
	node   *transport.Node
}

func newNetStack(repo *dag.Repository, cfg *config.Config, opts syncer.Options) (*netStack, error) {
	logger := setupLogger(cfg)
	id, err := peer.LoadIdentity(repo.Path(dag.IdentityFile))
	if err != nil {
		return nil, err
	}
	dir, err := peer.LoadDirectory(repo.Path(dag.PeersFile))
	if err != nil {
		return nil, err
	}
	engine := syncer.NewEngine(repo.Journal, opts, logger)
	return &netStack{
		cfg:    cfg,
		logger: logger,
		dir:    dir,
		engine: engine,
		node:   transport.NewNode(id, engine, dir, logger),
	}, nil
}

func (n *netStack) redialer() *peer.Redialer {
	return peer.NewRedialer(n.dir, n.node, n.cfg.Sync.RedialInterval, n.cfg.Sync.DialTimeout, n.logger)
}

// dialAll dials addrs concurrently and logs failures.
func (n *netStack) dialAll(ctx context.Context, addrs []ma.Multiaddr) {
	var g errgroup.Group
	for _, a := range addrs {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, n.cfg.Sync.DialTimeout)
			defer cancel()
			id, err := n.node.Dial(dctx, a)
			if err != nil {
				n.logger.Warn("dial failed", "addr", a.String(), "error", err)
				return nil
			}
			n.logger.Info("connected", "peer", peer.Label(id), "addr", a.String())
			return nil
		})
	}
	g.Wait()
}

func (n *netStack) shutdown() {
	n.node.Close()
	n.node.Wait()
}

func runPull(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddrs(peerAddrs)
	if err != nil {
		return err
	}
	// The journal takes the lock itself for the fast-forward.
	repo, cfg, err := openRepo()
	if err != nil {
		return err
	}

	opts := syncer.Options{HelloTimeout: cfg.Sync.HelloTimeout}
	stack, err := newNetStack(repo, cfg, opts)
	if err != nil {
		return err
	}
	defer stack.shutdown()

	ctx, cancel := setupSignalHandler()
	defer cancel()

	stack.dialAll(ctx, append(addrs, cfg.PeerAddrs()...))
	stack.redialer().DialOnce(ctx)
	if discoverFor > 0 {
		found, err := transport.Browse(ctx, discoverFor)
		if err != nil {
			stack.logger.Warn("local network query failed", "error", err)
		}
		var lan []ma.Multiaddr
		for _, f := range found {
			if f.PeerID != stack.node.ID() && !stack.node.Connected(f.PeerID) {
				lan = append(lan, f.Addr)
			}
		}
		stack.dialAll(ctx, lan)
	}
	if len(stack.engine.Sessions()) == 0 {
		return ErrNoPeers
	}

	results := stack.engine.Pull(ctx, syncer.PullOptions{Force: pullForce})
	var errs []error
	for _, r := range results {
		printPullResult(cmd.OutOrStdout(), r)
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.Label(r.Peer), r.Err))
		}
	}
	return errors.Join(errs...)
}

func printPullResult(out io.Writer, r syncer.PullResult) {
	label := peer.Label(r.Peer)
	switch {
	case r.Err != nil:
		fmt.Fprintf(out, "%s %s: %v\n", color.RedString("failed"), label, r.Err)
	case r.Advanced:
		fmt.Fprintf(out, "%s %s: HEAD is now %s (%d commits, %d blobs, %d bytes)\n",
			color.GreenString("updated"), label, color.YellowString(dag.ShortID(r.RemoteHead)),
			r.Fetched.Commits, r.Fetched.Blobs, r.Fetched.Bytes)
	case r.Relation == dag.Diverged:
		fmt.Fprintf(out, "%s %s: histories diverged at %s, no action taken\n",
			color.RedString("diverged"), label, color.YellowString(dag.ShortID(r.RemoteHead)))
	default:
		fmt.Fprintf(out, "%s %s: %s\n", color.CyanString("ok"), label, r.Relation)
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddrs(peerAddrs)
	if err != nil {
		return err
	}
	listen, err := parseAddrs(listenAddrs)
	if err != nil {
		return err
	}
	repo, cfg, err := openRepo()
	if err != nil {
		return err
	}

	if len(listen) == 0 {
		listen = cfg.ListenAddrs()
	}
	stack, err := newNetStack(repo, cfg, syncer.Options{
		AutoFetch:    cfg.Sync.AutoFetch,
		AutoPull:     cfg.Sync.AutoPull,
		HelloTimeout: cfg.Sync.HelloTimeout,
	})
	if err != nil {
		return err
	}
	defer stack.shutdown()
	follower, err := watch.NewFollower(repo.Journal, repo.DataDir(), stack.logger)
	if err != nil {
		return err
	}
	if err := stack.node.Listen(listen...); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Peer id: %s (%s)\n", color.YellowString(stack.node.ID()), peer.Petname(stack.node.ID()))
	for _, a := range stack.node.ListenAddrs() {
		fmt.Fprintf(out, "Listening on %s\n", a)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.node.Serve(gctx) })
	// Commits and pulls made by other git2p processes reach peers too.
	g.Go(func() error { return follower.Run(gctx) })
	g.Go(func() error {
		stack.dialAll(gctx, append(addrs, cfg.PeerAddrs()...))
		return stack.redialer().Run(gctx)
	})
	if !noMDNS && (cfg.Discovery.MDNS || len(addrs) == 0) {
		disc := transport.NewDiscovery(stack.node, cfg.Discovery.Interval, stack.logger)
		g.Go(func() error { return disc.Run(gctx) })
	}
	if withWatch {
		w, err := watch.New(repo.Journal, cfg.Watch.Debounce, stack.logger)
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

func runWatch(cmd *cobra.Command, args []string) error {
	repo, cfg, err := openRepo()
	if err != nil {
		return err
	}

	w, err := watch.New(repo.Journal, cfg.Watch.Debounce, setupLogger(cfg))
	if err != nil {
		return err
	}
	ctx, cancel := setupSignalHandler()
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", repo.Root())
	return w.Run(ctx)
}

func runPeers(cmd *cobra.Command, args []string) error {
	repo, _, err := openRepo()
	if err != nil {
		return err
	}
	id, err := peer.LoadIdentity(repo.Path(dag.IdentityFile))
	if err != nil {
		return err
	}
	dir, err := peer.LoadDirectory(repo.Path(dag.PeersFile))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s (%s)\n", color.GreenString("self"), id.DID, peer.Petname(id.DID))
	for _, r := range dir.Records() {
		fmt.Fprintf(out, "%s %s\n", color.YellowString(peer.Petname(r.PeerID)), r.PeerID)
		if !r.LastSeen.IsZero() {
			fmt.Fprintf(out, "    last seen %s\n", r.LastSeen.Local().Format(time.DateTime))
		}
		for _, a := range r.Addresses {
			fmt.Fprintf(out, "    %s\n", a)
		}
	}
	return nil
}
