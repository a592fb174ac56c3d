package cmd

import (
	"context"
	"log/slog"

	"github.com/amanmcp/hybridmemory/internal/config"
	"github.com/amanmcp/hybridmemory/internal/engine"
)

// loadConfig reads the YAML config at configPath (if set), applying the
// --data-dir override on top.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	return cfg, nil
}

// openEngine loads config and opens the engine against its data directory.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, cfg, slog.Default())
}
