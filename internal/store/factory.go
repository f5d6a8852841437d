package store

import (
	"context"
	"fmt"

	"lorebase/internal/config"
)

// New constructs the store selected by configuration.
func New(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Backend {
	case "postgres", "pg":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires DATABASE_URL")
		}
		return NewPostgres(ctx, cfg.DSN)
	case "", "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported database backend: %s", cfg.Backend)
	}
}
