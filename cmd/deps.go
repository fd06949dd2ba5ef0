package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/database"
	_ "github.com/kozaktomas/recall/internal/database/postgres" // register postgres backend
	_ "github.com/kozaktomas/recall/internal/database/sqlite"   // register sqlite backend
	"github.com/kozaktomas/recall/internal/faceengine"
	"github.com/kozaktomas/recall/internal/faceengine/onnx"
	"github.com/kozaktomas/recall/internal/recognition"
)

// openStore opens the configured identity store backend.
func openStore(ctx context.Context, cfg *config.Config) (database.IdentityStore, error) {
	if cfg.Store.Backend == config.BackendPostgres && cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required for the postgres backend")
	}
	store, err := database.Open(ctx, cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s identity store: %w", cfg.Store.Backend, err)
	}
	return store, nil
}

// openAdapter builds the face adapter for the configured model profile.
// The returned close function releases model resources.
func openAdapter(cfg *config.Config) (faceengine.Adapter, func(), error) {
	resolved, err := cfg.Profile()
	if err != nil {
		return nil, nil, err
	}
	profile := faceengine.Profile{
		Name:                resolved.Name,
		Strategy:            resolved.Strategy,
		Dim:                 resolved.Dim,
		MinDetScore:         resolved.MinDetScore,
		SimilarityThreshold: resolved.SimilarityThreshold,
	}

	var (
		adapter faceengine.Adapter
		closeFn = func() {}
	)
	switch resolved.Strategy {
	case config.StrategyHTTP:
		adapter = faceengine.NewHTTPAdapter(cfg.Embedding.URL, profile, cfg.Embedding.MaxImageSide)
	case config.StrategyONNX:
		a, err := onnx.New(onnx.Config{
			LibraryPath:  cfg.ONNX.LibraryPath,
			DetectorPath: cfg.ONNX.DetectorPath,
			EmbedderPath: cfg.ONNX.EmbedderPath,
			PoolSize:     cfg.ONNX.PoolSize,
		}, profile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load ONNX models: %w", err)
		}
		adapter, closeFn = a, a.Close
	default:
		return nil, nil, fmt.Errorf("face model %q uses unknown strategy %q", resolved.Name, resolved.Strategy)
	}

	if cfg.Face.ContrastFallback {
		adapter = faceengine.WithContrastFallback(adapter)
	}
	slog.Debug("face adapter ready", "model", profile.Name, "strategy", profile.Strategy, "dim", profile.Dim)
	return adapter, closeFn, nil
}

// newPipeline wires a recognition pipeline from configuration.
func newPipeline(cfg *config.Config, adapter faceengine.Adapter, store database.IdentityReader) *recognition.Pipeline {
	return recognition.New(adapter, store, recognition.Options{
		QueryConcurrency: cfg.Recognition.QueryConcurrency,
	}, slog.Default())
}
