package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rom8726/helio"
)

// backend is an opened store with whatever it needs torn down on exit.
type backend struct {
	store    helio.Store
	notifier helio.Notifier
	listener helio.Listener
	close    func()
}

// openStore connects the configured store. Migrations are applied unless
// migrate is false.
func openStore(ctx context.Context, cfg StoreConfig, migrate bool, logger *slog.Logger) (*backend, error) {
	local := helio.NewChannelNotifier(1)

	switch cfg.Driver {
	case StoreMemory:
		return &backend{store: helio.NewMemoryStore(), notifier: local, close: func() {}}, nil

	case StoreSQLite:
		store, err := helio.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.SQLitePath, err)
		}

		return &backend{
			store:    store,
			notifier: local,
			close: func() {
				if err := store.Close(); err != nil {
					logger.Error("[helio] close sqlite store", "error", err)
				}
			},
		}, nil

	case StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()

			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if migrate {
			if err := helio.RunMigrations(ctx, pool); err != nil {
				pool.Close()

				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}

		listener, err := helio.NewPGNotifier(cfg.PostgresDSN, local, logger)
		if err != nil {
			pool.Close()

			return nil, fmt.Errorf("queue listener: %w", err)
		}

		return &backend{
			store:    helio.NewStore(pool),
			notifier: local,
			listener: listener,
			close:    pool.Close,
		}, nil
	}

	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
