package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/systemshift/git2p/internal/peer"
)

const (
	mdnsService = "_git2p._tcp"
	txtPeerKey  = "peer="

	// DefaultDiscoveryInterval is how often the LAN is queried.
	DefaultDiscoveryInterval = time.Minute
)

// Found is one peer seen on the local network.
type Found struct {
	PeerID string
	Addr   ma.Multiaddr
}

// Discovery advertises the node over mDNS and dials peers it finds.
type Discovery struct {
	node     *Node
	interval time.Duration
	logger   *slog.Logger
}

// NewDiscovery creates a discovery service for node.
func NewDiscovery(node *Node, interval time.Duration, logger *slog.Logger) *Discovery {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{node: node, interval: interval, logger: logger}
}

// instanceName derives a stable, short mDNS instance name from a peer id.
func instanceName(peerID string) string {
	h := sha256.Sum256([]byte(peerID))
	return "git2p-" + hex.EncodeToString(h[:6])
}

// peerFromTXT returns the peer id carried in a TXT record.
func peerFromTXT(fields []string) (string, bool) {
	for _, f := range fields {
		if id, ok := strings.CutPrefix(f, txtPeerKey); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// tcpPort returns the first TCP listen port of the node.
func tcpPort(addrs []ma.Multiaddr) (int, error) {
	for _, a := range addrs {
		v, err := a.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("no tcp listen address to advertise")
}

// localIPs lists the addresses to publish in A records.
func localIPs() []net.IP {
	addrs, err := manet.InterfaceMultiaddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		out = append(out, ip)
	}
	return out
}

// Run advertises the node and queries the network on every interval,
// dialing peers that are not yet connected.
func (d *Discovery) Run(ctx context.Context) error {
	port, err := tcpPort(d.node.ListenAddrs())
	if err != nil {
		return err
	}
	svc, err := mdns.NewMDNSService(instanceName(d.node.ID()), mdnsService, "", "", port, localIPs(), []string{txtPeerKey + d.node.ID()})
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}
	defer server.Shutdown()
	d.logger.Info("advertising on the local network", "service", mdnsService, "port", port)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		found, err := Browse(ctx, 2*time.Second)
		if err != nil {
			d.logger.Debug("mdns query failed", "error", err)
		}
		for _, f := range found {
			d.dial(ctx, f)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Discovery) dial(ctx context.Context, f Found) {
	if f.PeerID == d.node.ID() || d.node.Connected(f.PeerID) {
		return
	}
	if _, err := d.node.Dial(ctx, f.Addr); err != nil {
		d.logger.Debug("cannot dial discovered peer", "peer", peer.Label(f.PeerID), "addr", f.Addr.String(), "error", err)
		return
	}
	d.logger.Info("discovered peer", "peer", peer.Label(f.PeerID), "addr", f.Addr.String())
}

// Browse queries the local network for git2p peers for up to timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Found, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(mdnsService)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errc := make(chan error, 1)
	go func() {
		errc <- mdns.Query(params)
		close(entries)
	}()

	var out []Found
	seen := make(map[string]bool)
	for e := range entries {
		if ctx.Err() != nil {
			continue
		}
		f, ok := foundFromEntry(e)
		if !ok || seen[f.PeerID+f.Addr.String()] {
			continue
		}
		seen[f.PeerID+f.Addr.String()] = true
		out = append(out, f)
	}
	if err := <-errc; err != nil {
		return out, err
	}
	return out, ctx.Err()
}

func foundFromEntry(e *mdns.ServiceEntry) (Found, bool) {
	id, ok := peerFromTXT(e.InfoFields)
	if !ok || e.AddrV4 == nil || e.Port <= 0 {
		return Found{}, false
	}
	addr, err := manet.FromNetAddr(&net.TCPAddr{IP: e.AddrV4, Port: e.Port})
	if err != nil {
		return Found{}, false
	}
	return Found{PeerID: id, Addr: addr}, true
}
