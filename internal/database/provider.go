package database

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kozaktomas/recall/internal/config"
)

// Opener opens an IdentityStore from configuration.
type Opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (IdentityStore, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Opener{
		config.BackendMemory: openMemory,
	}
)

// RegisterBackend registers a store constructor under name.
// This is called by the backend packages to avoid import cycles.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[strings.ToLower(name)] = open
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the store selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (IdentityStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backendsMu.RLock()
	open, ok := backends[cfg.Store.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownBackend, cfg.Store.Backend, strings.Join(Backends(), ", "))
	}
	return open(ctx, cfg, logger)
}

func openMemory(_ context.Context, cfg *config.Config, logger *slog.Logger) (IdentityStore, error) {
	return NewMemoryStore(cfg.Store.HNSWIndexPath, logger)
}
