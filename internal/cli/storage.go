package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/garden-co/cojson/internal/config"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/store"
)

// openStorage opens the configured backend. Closing the returned storage
// closes the backend.
func openStorage(cfg config.StorageConfig, logger *slog.Logger) (*store.Storage, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.Backend {
	case "memory":
		backend = store.NewMemoryBackend()
	case "sqlite":
		backend, err = store.OpenSQLite(cfg.Path)
	case "badger":
		var compression store.Compression
		if compression, err = store.ParseCompression(cfg.Compression); err != nil {
			return nil, err
		}
		backend, err = store.OpenBadger(store.BadgerConfig{
			Path:        cfg.Path,
			Compression: compression,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}
	return store.New(backend, store.WithLogger(logger)), nil
}

// loadAgentSecret reads the secret at path. An empty path yields a fresh
// secret, so the node runs as a new agent each start.
func loadAgentSecret(p crypto.Provider, path string) (crypto.AgentSecret, bool, error) {
	if path == "" {
		secret, err := crypto.NewAgentSecret(p)
		return secret, true, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("read agent secret: %w", err)
	}
	secret := crypto.AgentSecret(strings.TrimSpace(string(data)))
	if secret == "" {
		return "", false, errors.New("read agent secret: file is empty")
	}
	if _, err := crypto.AgentIDOf(p, secret); err != nil {
		return "", false, fmt.Errorf("read agent secret %s: %w", path, err)
	}
	return secret, false, nil
}
