// Package artifacts persists review screenshots and hands back durable references to them.
package artifacts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/config"
)

// Open builds the configured store for one run. The returned close function releases any
// connections and is safe to call when err is non-nil.
func Open(ctx context.Context, cfg config.ArtifactsConfig, runID string, logger *zap.Logger) (schemas.ScreenshotStore, func(), error) {
	switch cfg.Store {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, func() {}, fmt.Errorf("artifacts.database_url is required for the postgres store (set LOOKOUT_ARTIFACTS_DATABASE_URL)")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to create connection pool: %w", err)
		}
		store, err := NewPostgresStore(ctx, pool, runID, logger)
		if err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		return store, pool.Close, nil
	default:
		store, err := NewFileStore(cfg.Dir, runID, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() {}, nil
	}
}
