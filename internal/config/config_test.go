package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	require.True(t, cfg.Sync.AutoFetch)
	require.False(t, cfg.Sync.AutoPull)
	require.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, cfg.Listen)
}

func TestLoad_Full(t *testing.T) {
	t.Setenv("GIT2P_PORT", "4555")
	path := writeConfig(t, `
listen:
  - /ip4/127.0.0.1/tcp/${GIT2P_PORT}
peers:
  - /ip4/10.0.0.2/tcp/4001
discovery:
  mdns: true
  interval: 15s
sync:
  auto_fetch: true
  auto_pull: true
  hello_timeout: 3s
  redial_interval: 1m
  max_walk_depth: 50
watch:
  debounce: 250ms
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	want := &Config{
		Listen:    []string{"/ip4/127.0.0.1/tcp/4555"},
		Peers:     []string{"/ip4/10.0.0.2/tcp/4001"},
		Discovery: DiscoveryConfig{MDNS: true, Interval: 15 * time.Second},
		Sync: SyncConfig{
			AutoFetch:      true,
			AutoPull:       true,
			HelloTimeout:   3 * time.Second,
			DialTimeout:    10 * time.Second,
			RedialInterval: time.Minute,
			MaxWalkDepth:   50,
		},
		Watch: WatchConfig{Debounce: 250 * time.Millisecond},
		Log:   LogConfig{Level: "debug", Format: "json"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, cfg.ListenAddrs(), 1)
	require.Equal(t, "/ip4/10.0.0.2/tcp/4001", cfg.PeerAddrs()[0].String())
}

func TestLoad_AutoFetchCanBeDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sync:\n  auto_fetch: false\n"))
	require.NoError(t, err)
	require.False(t, cfg.Sync.AutoFetch)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad listen":       "listen: [\"not-a-multiaddr\"]\n",
		"bad peer":         "peers: [\"/ip4/999.0.0.1/tcp/1\"]\n",
		"pull needs fetch": "sync:\n  auto_fetch: false\n  auto_pull: true\n",
		"negative depth":   "sync:\n  max_walk_depth: -1\n",
		"negative timeout": "sync:\n  dial_timeout: -1s\n",
		"bad level":        "log:\n  level: loud\n",
		"bad format":       "log:\n  format: xml\n",
		"bad yaml":         "listen: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
		})
	}
}
