package db

import (
	"context"
	"fmt"

	"collab-drawer/pkg/config"
)

// Open returns the operation log selected by cfg.OpLogBackend, or nil when
// persistence is disabled.
func Open(ctx context.Context, cfg *config.Config) (OperationStore, error) {
	switch cfg.OpLogBackend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendPostgres:
		store, err := OpenPostgres(ctx, cfg.GetDatabaseConnectionString())
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendSQLite:
		store, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		store, err := OpenRedis(ctx, cfg.RedisAddr, cfg.RedisStreamPrefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown operation log backend %q", cfg.OpLogBackend)
	}
}
