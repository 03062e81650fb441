package store

import (
	"context"
	"fmt"

	"github.com/howard-nolan/llmgateway/internal/config"
)

// Open returns the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "sqlite":
		s, err := NewSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Seed(ctx, cfg.Seed); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
