package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:4200", cfg.Listen)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, StorageConfig{Backend: "memory", Compression: "zstd"}, cfg.Storage)
	assert.Empty(t, cfg.Peers)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, 25*time.Second, cfg.PingTimeout)
	assert.Equal(t, 3, cfg.LoadRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.True(t, cfg.Metrics)
}

func TestParseYAML(t *testing.T) {
	src := `
listen: ":9000"
codec: cbor
storage:
  backend: sqlite
  path: /var/lib/cojson/data.db
peers:
  - url: wss://sync.example.com/sync
  - url: ws://10.0.0.2:4200/sync
    role: client
ping:
  interval: 5s
  timeout: 15s
load:
  retries: 0
logLevel: debug
metrics: false
`
	cfg, err := Parse([]byte(src), FormatYAML, "node.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, StorageConfig{Backend: "sqlite", Path: "/var/lib/cojson/data.db", Compression: "zstd"}, cfg.Storage)
	assert.Equal(t, []PeerConfig{
		{URL: "wss://sync.example.com/sync", Role: "server"},
		{URL: "ws://10.0.0.2:4200/sync", Role: "client"},
	}, cfg.Peers)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 15*time.Second, cfg.PingTimeout)
	assert.Equal(t, 0, cfg.LoadRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.False(t, cfg.Metrics)
}

func TestParseCUE(t *testing.T) {
	src := `
storage: {
	backend:     "badger"
	path:        "/tmp/badger"
	compression: "lz4"
}
load: retryDelay: "1.5s"
`
	cfg, err := Parse([]byte(src), FormatCUE, "node.cue")
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "lz4", cfg.Storage.Compression)
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryDelay)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		src    string
		field  string
	}{
		{name: "unknown field", format: FormatYAML, src: "listne: ':80'\n"},
		{name: "bad codec", format: FormatYAML, src: "codec: xml\n"},
		{name: "persistent backend without path", format: FormatYAML, src: "storage:\n  backend: sqlite\n"},
		{name: "peer url scheme", format: FormatYAML, src: "peers:\n  - url: http://example.com\n"},
		{name: "negative retries", format: FormatCUE, src: "load: retries: -1\n"},
		{name: "malformed duration", format: FormatYAML, src: "ping:\n  interval: soon\n"},
		{name: "timeout not above interval", format: FormatYAML, src: "ping:\n  interval: 30s\n  timeout: 20s\n", field: "ping.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), tt.format, "bad")
			require.Error(t, err)
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			if tt.field != "" {
				assert.Equal(t, tt.field, cfgErr.Field)
			}
		})
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "node.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("listen: ':1234'\n"), 0o600))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Listen)

	cuePath := filepath.Join(dir, "node.cue")
	require.NoError(t, os.WriteFile(cuePath, []byte(`listen: ":5678"`), 0o600))
	cfg, err = Load(cuePath)
	require.NoError(t, err)
	assert.Equal(t, ":5678", cfg.Listen)

	txtPath := filepath.Join(dir, "node.txt")
	require.NoError(t, os.WriteFile(txtPath, nil, 0o600))
	_, err = Load(txtPath)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
