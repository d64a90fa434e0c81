package app

import (
	"context"
	"fmt"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// openStore builds the configured chat store. For postgres the app owns the
// pool; the store itself never closes it.
func openStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("app: postgres: %w", err)
		}
		st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.DBMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		log.Info("store.enabled", "kind", StorePostgres, "schema", cfg.DBSchema, "migrated", cfg.DBMigrate)
		return st, pool, nil

	case StoreSQLite:
		st, err := chat.OpenSQLiteStore(ctx, cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.enabled", "kind", StoreSQLite)
		return st, nil, nil

	default:
		log.Info("store.enabled", "kind", StoreMemory)
		return chat.NewInMemoryStore(), nil, nil
	}
}

// openBus picks Redis when configured and the in-process bus otherwise.
func openBus(ctx context.Context, cfg Config, log Logger, m *metrics.Metrics) (realtime.Bus, error) {
	if cfg.RedisURL == "" {
		log.Info("bus.enabled", "kind", "local")
		return realtime.NewLocalBus(log, m, cfg.BusBuffer), nil
	}
	bus, err := realtime.OpenRedisBus(ctx, cfg.RedisURL, log, m)
	if err != nil {
		return nil, fmt.Errorf("app: redis: %w", err)
	}
	log.Info("bus.enabled", "kind", "redis")
	return bus, nil
}
