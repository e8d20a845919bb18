package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHostDefaults(t *testing.T) {
	cfg, err := LoadHost("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIAddr, cfg.APIAddr)
	assert.Equal(t, DefaultRelayAddr, cfg.RelayAddr)
	assert.Equal(t, DefaultSharedRoot, cfg.SharedRoot)
	assert.Equal(t, DefaultDispatchRetries, cfg.DispatchRetries)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.HeartbeatTimeout)
}

func TestLoadHostFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haku-host.yml")
	content := `
api_addr: ":9000"
shared_root: /srv/haku
dispatch_retries: 2
heartbeat_timeout: 30s
sweep_interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadHost(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.APIAddr)
	assert.Equal(t, "/srv/haku", cfg.SharedRoot)
	assert.Equal(t, 2, cfg.DispatchRetries)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 2*time.Second, cfg.SweepInterval)
	// Untouched fields keep defaults
	assert.Equal(t, DefaultRelayAddr, cfg.RelayAddr)
}

func TestLoadHostRejectsShortTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haku-host.yml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_timeout: 5s\n"), 0644))

	_, err := LoadHost(path)
	assert.Error(t, err, "timeout below 3x heartbeat interval must be rejected")
}

func TestLoadHostMissingFile(t *testing.T) {
	cfg, err := LoadHost("/does/not/exist.yml")
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIAddr, cfg.APIAddr)
}

func TestLoadRunnerDefaults(t *testing.T) {
	cfg, err := LoadRunner("")
	require.NoError(t, err)

	assert.Equal(t, DefaultRunnerAddr, cfg.ListenAddr)
	assert.Equal(t, "ubuntu:24.04", cfg.DefaultImage)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512M", 512 * 1024 * 1024, false},
		{"4g", 4 * 1024 * 1024 * 1024, false},
		{"1024", 1024, false},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemory(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
