package peer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	mu        sync.Mutex
	dialed    []string
	connected map[string]bool
	owners    map[string]string // addr -> peer id answering there
}

func (f *fakeDialer) Dial(ctx context.Context, addr ma.Multiaddr) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, addr.String())
	id, ok := f.owners[addr.String()]
	if !ok {
		return "", errors.New("connection refused")
	}
	f.connected[id] = true
	return id, nil
}

func (f *fakeDialer) Connected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *fakeDialer) dials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

func TestRedialer_DialOnce(t *testing.T) {
	d, err := LoadDirectory(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)

	up := "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"
	already := "did:key:already"
	require.NoError(t, d.Record(testDID, mustAddr(t, "/ip4/10.0.0.1/tcp/1")))
	require.NoError(t, d.Record(up, mustAddr(t, "/ip4/10.0.0.2/tcp/1"), mustAddr(t, "/ip4/10.0.0.2/tcp/2")))
	require.NoError(t, d.Record(already, mustAddr(t, "/ip4/10.0.0.3/tcp/1")))

	f := &fakeDialer{
		connected: map[string]bool{already: true},
		owners:    map[string]string{"/ip4/10.0.0.2/tcp/1": up},
	}
	r := NewRedialer(d, f, time.Hour, time.Second, nil)
	r.DialOnce(context.Background())

	require.ElementsMatch(t, []string{"/ip4/10.0.0.1/tcp/1", "/ip4/10.0.0.2/tcp/1"}, f.dials(),
		"connected peers are skipped and a peer's later addresses are not tried after success")
	require.True(t, f.Connected(up))

	// Failures are retried on the next round; connected peers are not.
	r.DialOnce(context.Background())
	require.Len(t, f.dials(), 3)
}

func TestRedialer_RunStopsOnCancel(t *testing.T) {
	d, err := LoadDirectory(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	require.NoError(t, d.Record(testDID, mustAddr(t, "/ip4/10.0.0.1/tcp/1")))

	f := &fakeDialer{connected: map[string]bool{}, owners: map[string]string{}}
	r := NewRedialer(d, f, 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.dials()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	n := len(f.dials())
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, len(f.dials()), "dials after shutdown")
}
