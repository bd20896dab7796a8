package ledger

import (
	"context"
	"strings"
	"sync"
)

// InMemory is a process-local ledger for development and tests.
type InMemory struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewInMemory() *InMemory {
	return &InMemory{balances: make(map[string]int64)}
}

func (l *InMemory) TryDeduct(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := validate(userID, amount); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	userID = strings.TrimSpace(userID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < amount {
		return false, nil
	}
	l.balances[userID] -= amount
	return true, nil
}

func (l *InMemory) Balance(_ context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidUser
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[strings.TrimSpace(userID)], nil
}

func (l *InMemory) Grant(_ context.Context, userID string, amount int64) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}
	userID = strings.TrimSpace(userID)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	return l.balances[userID], nil
}
