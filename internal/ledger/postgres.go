package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores balances in credit_accounts and appends every movement to
// credit_transactions.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if err := initLedgerSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func initLedgerSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			delta BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created ON credit_transactions (user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init ledger schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (l *Postgres) TryDeduct(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := validate(userID, amount); err != nil {
		return false, err
	}
	userID = strings.TrimSpace(userID)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id=$1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock account: %w", err)
	}
	if balance < amount {
		return false, nil
	}

	balance -= amount
	if _, err := tx.Exec(ctx,
		`UPDATE credit_accounts SET balance=$2, updated_at=$3 WHERE user_id=$1`,
		userID, balance, time.Now().UTC(),
	); err != nil {
		return false, fmt.Errorf("deduct credits: %w", err)
	}
	if err := insertTransaction(ctx, tx, userID, -amount, balance); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (l *Postgres) Balance(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidUser
	}
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id=$1`, strings.TrimSpace(userID)).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (l *Postgres) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}
	userID = strings.TrimSpace(userID)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
			balance = credit_accounts.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
		 RETURNING balance`,
		userID, amount, time.Now().UTC(),
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	if err := insertTransaction(ctx, tx, userID, amount, balance); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID string, delta, balanceAfter int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), userID, delta, balanceAfter, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record credit transaction: %w", err)
	}
	return nil
}
