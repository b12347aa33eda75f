package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bitespeed-identity/internal/config"
	"bitespeed-identity/internal/database"
	"bitespeed-identity/internal/database/memory"
	"bitespeed-identity/internal/database/postgres"
	"bitespeed-identity/internal/database/sqlite"
	"bitespeed-identity/internal/handlers"
	"bitespeed-identity/internal/lock"
	"bitespeed-identity/internal/service"
)

// contactStore is what the commands need from a store backend.
type contactStore interface {
	service.ContactStore
	handlers.Pinger
}

// backend holds the store and locker built from config plus their closers.
type backend struct {
	store   contactStore
	locker  lock.Locker
	closers []func() error
}

func (rt *backend) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

func buildBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	rt := &backend{}

	store, err := rt.openStore(ctx, cfg.Database, log)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.store = store

	locker, err := rt.openLocker(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.locker = locker

	log.InfoContext(ctx, "backend ready",
		slog.String("driver", cfg.Database.Driver),
		slog.String("lock", cfg.Lock.Backend),
	)
	return rt, nil
}

func (rt *backend) openStore(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (contactStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.WarnContext(ctx, "using in-memory store, contacts are lost on exit")
		return memory.New(), nil

	case config.DriverSQLite:
		db, err := database.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return sqlite.New(db.Conn), nil

	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := migrate(ctx, cfg); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		return postgres.New(pool), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func (rt *backend) openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case config.LockNone:
		return lock.Noop{}, nil
	case config.LockRedis:
		client, err := lock.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, client.Close)
		return lock.NewRedis(client, cfg.Lock), nil
	default:
		return lock.NewLocal(), nil
	}
}

// migrate applies the embedded migrations through a short-lived handle.
func migrate(ctx context.Context, cfg config.DatabaseConfig) error {
	db, err := database.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate(ctx)
}
