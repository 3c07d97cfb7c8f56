package peer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestDirectory_RecordMergesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	d, err := LoadDirectory(path)
	require.NoError(t, err)
	require.Empty(t, d.Records())

	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	require.NoError(t, d.Record(testDID, mustAddr(t, "/ip4/10.0.0.2/tcp/4001")))
	clock = clock.Add(time.Minute)
	require.NoError(t, d.Record(testDID,
		mustAddr(t, "/ip4/10.0.0.2/tcp/4001"),
		mustAddr(t, "/ip4/192.168.1.5/tcp/4001"),
	))

	r, ok := d.Lookup(testDID)
	require.True(t, ok)
	require.Equal(t, "rare-frost", r.Name)
	require.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001", "/ip4/192.168.1.5/tcp/4001"}, r.Addresses)
	require.True(t, r.LastSeen.Equal(clock))

	reloaded, err := LoadDirectory(path)
	require.NoError(t, err)
	got, ok := reloaded.Lookup(testDID)
	require.True(t, ok)
	require.Equal(t, r.Name, got.Name)
	require.Equal(t, r.Addresses, got.Addresses)
	require.True(t, r.LastSeen.Equal(got.LastSeen))
}

func TestDirectory_RecordWithoutAddress(t *testing.T) {
	d, err := LoadDirectory(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	require.NoError(t, d.Record(testDID))

	r, ok := d.Lookup(testDID)
	require.True(t, ok)
	require.Empty(t, r.Addresses)
	require.False(t, r.LastSeen.IsZero())
	require.Empty(t, d.Snapshot())
}

func TestDirectory_Snapshot(t *testing.T) {
	d, err := LoadDirectory(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	other := "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"
	require.NoError(t, d.Record(testDID, mustAddr(t, "/ip4/10.0.0.2/tcp/4001")))
	require.NoError(t, d.Record(other, mustAddr(t, "/ip4/10.0.0.3/tcp/4001"), mustAddr(t, "/ip6/::1/tcp/4001")))

	var got []string
	for _, tg := range d.Snapshot() {
		got = append(got, tg.PeerID+" "+tg.Addr.String())
	}
	require.ElementsMatch(t, []string{
		testDID + " /ip4/10.0.0.2/tcp/4001",
		other + " /ip4/10.0.0.3/tcp/4001",
		other + " /ip6/::1/tcp/4001",
	}, got)
}

func TestLoadDirectory_SkipsBadAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	content := `[{"peer_id":"` + testDID + `","name":"x","addresses":["not-a-multiaddr","/ip4/10.0.0.9/tcp/1"],"last_seen":"2024-01-01T00:00:00Z"}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	d, err := LoadDirectory(path)
	require.NoError(t, err)
	targets := d.Snapshot()
	require.Len(t, targets, 1)
	require.Equal(t, "/ip4/10.0.0.9/tcp/1", targets[0].Addr.String())
}

func TestLoadDirectory_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err := LoadDirectory(path)
	require.Error(t, err)
}
