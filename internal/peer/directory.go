package peer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/systemshift/git2p/internal/dag"
)

// Record is one known peer as persisted in peers.json.
type Record struct {
	PeerID    string    `json:"peer_id"`
	Name      string    `json:"name"`
	Addresses []string  `json:"addresses"`
	LastSeen  time.Time `json:"last_seen"`
}

// Target is one dialable (peer, address) pair.
type Target struct {
	PeerID string
	Addr   ma.Multiaddr
}

// Directory is the persisted set of known peers. Every update rewrites the
// whole file atomically.
type Directory struct {
	path string

	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// LoadDirectory reads the peer file at path (absent = empty directory).
func LoadDirectory(path string) (*Directory, error) {
	var list []Record
	if _, err := dag.ReadJSON(path, &list); err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	d := &Directory{
		path:    path,
		records: make(map[string]*Record, len(list)),
		now:     time.Now,
	}
	for i := range list {
		r := list[i]
		if r.PeerID == "" {
			continue
		}
		d.records[r.PeerID] = &r
	}
	return d, nil
}

// Record upserts peerID, merges addrs into its address set, stamps
// last_seen and persists the directory.
func (d *Directory) Record(peerID string, addrs ...ma.Multiaddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.records[peerID]
	if !ok {
		r = &Record{PeerID: peerID, Name: Petname(peerID)}
		d.records[peerID] = r
	}
	have := make(map[string]bool, len(r.Addresses))
	for _, a := range r.Addresses {
		have[a] = true
	}
	for _, a := range addrs {
		if a == nil || have[a.String()] {
			continue
		}
		have[a.String()] = true
		r.Addresses = append(r.Addresses, a.String())
	}
	sort.Strings(r.Addresses)
	r.LastSeen = d.now().UTC()
	return d.save()
}

func (d *Directory) save() error {
	list := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		list = append(list, *r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PeerID < list[j].PeerID })
	if err := dag.WriteJSON(d.path, list); err != nil {
		return fmt.Errorf("save peers: %w", err)
	}
	return nil
}

// Records returns a copy of every record, ordered by peer id.
func (d *Directory) Records() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		c := *r
		c.Addresses = append([]string(nil), r.Addresses...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Lookup returns the record for peerID.
func (d *Directory) Lookup(peerID string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[peerID]
	if !ok {
		return Record{}, false
	}
	c := *r
	c.Addresses = append([]string(nil), r.Addresses...)
	return c, true
}

// Snapshot lists every stored address as a dial target. Addresses that no
// longer parse are skipped.
func (d *Directory) Snapshot() []Target {
	var out []Target
	for _, r := range d.Records() {
		for _, s := range r.Addresses {
			a, err := ma.NewMultiaddr(s)
			if err != nil {
				continue
			}
			out = append(out, Target{PeerID: r.PeerID, Addr: a})
		}
	}
	return out
}
