package repository

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
)

// Open returns the store selected by cfg: PostgreSQL when a URL is set,
// the in-memory store otherwise. Migrations run first when AutoMigrate is
// enabled.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	if cfg.URL == "" {
		logger.Warn("No database URL configured, using in-memory store")
		return NewMemoryStore(), nil
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(cfg.URL, logger); err != nil {
			return nil, err
		}
	}

	pool, err := NewConnection(ctx, PoolConfig{
		URL:             cfg.URL,
		MaxConnections:  cfg.MaxConnections,
		MaxConnLifetime: cfg.MaxConnLifetime,
		MaxConnIdleTime: cfg.MaxConnIdleTime,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to PostgreSQL", zap.Int32("max_conns", pool.Config().MaxConns))
	return NewPostgresStore(pool, logger), nil
}
