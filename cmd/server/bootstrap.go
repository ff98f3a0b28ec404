package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	pg "cookiescan/internal/adapters/postgres"
	"cookiescan/internal/config"
	"cookiescan/internal/logging"
	"cookiescan/internal/secrets"
)

// bootstrap loads configuration and builds the process logger. A config
// error is returned only when requireDB is set.
func bootstrap(requireDB bool) (config.Config, *slog.Logger, error) {
	cfg, cfgErr := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return cfg, nil, err
	}
	logger = logger.With("service", "cookiescan", "env", cfg.Env)
	slog.SetDefault(logger)
	if cfgErr != nil && requireDB {
		return cfg, logger, cfgErr
	}
	return cfg, logger, nil
}

func openDB(ctx context.Context, cfg config.Config, logger *slog.Logger) (*pg.DB, error) {
	resolver := secrets.Resolver{
		SecretPath: cfg.Vault.SecretPath,
		Fallback:   cfg.DatabaseURL,
		Logger:     logger,
	}
	if cfg.Vault.Addr != "" {
		v, err := secrets.NewVault(cfg.Vault.Addr, cfg.Vault.Token)
		if err != nil {
			return nil, err
		}
		resolver.Vault = v
	}
	url, err := resolver.DatabaseURL(ctx)
	if err != nil {
		return nil, err
	}
	db, err := pg.Connect(ctx, url, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return db, nil
}
