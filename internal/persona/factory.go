package persona

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore builds the persona store and seeds it with the catalog entries.
// Without a pool the store is in-memory.
func NewStore(ctx context.Context, pool *pgxpool.Pool, catalog []Config) (Store, error) {
	var store Store
	if pool == nil {
		store = NewInMemoryStore()
	} else {
		pg, err := NewPostgresStore(ctx, pool)
		if err != nil {
			return nil, err
		}
		store = pg
	}
	for _, cfg := range catalog {
		if err := store.Put(ctx, cfg); err != nil {
			return nil, fmt.Errorf("seed persona %q: %w", cfg.ID, err)
		}
	}
	return store, nil
}
