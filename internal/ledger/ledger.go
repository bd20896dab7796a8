// Package ledger keeps per-user credit balances. Deductions are atomic
// check-and-decrement operations; a balance never goes negative.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidUser   = errors.New("user id is required")
)

// Ledger is safe for concurrent use across sessions.
type Ledger interface {
	// TryDeduct removes amount from the user's balance when it covers it.
	// It reports false, leaving the balance untouched, otherwise.
	TryDeduct(ctx context.Context, userID string, amount int64) (bool, error)
	Balance(ctx context.Context, userID string) (int64, error)
	// Grant adds credits and returns the new balance.
	Grant(ctx context.Context, userID string, amount int64) (int64, error)
}

// New returns a postgres-backed ledger when a pool is given, otherwise in-memory.
func New(ctx context.Context, pool *pgxpool.Pool) (Ledger, error) {
	if pool == nil {
		return NewInMemory(), nil
	}
	return NewPostgres(ctx, pool)
}

func validate(userID string, amount int64) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
