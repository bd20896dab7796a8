package session

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusDisconnected Status = "disconnected"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrAlreadyFinal = errors.New("session already finalized")
	ErrInvalid      = errors.New("invalid session record")
)

// Record is the persisted state of one realtime conversation.
type Record struct {
	ID              string     `json:"session_id"`
	UserID          string     `json:"user_id"`
	PersonaID       string     `json:"bot_id"`
	Flavor          string     `json:"flavor"`
	Status          Status     `json:"status"`
	Transcript      string     `json:"transcript,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	CreditsCharged  int64      `json:"credits_charged"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Finalization carries the terminal fields written once per session.
type Finalization struct {
	Status          Status
	Transcript      string
	DurationSeconds int64
	CreditsCharged  int64
	CompletedAt     time.Time
}

// Store persists session records. Finalize succeeds only for records still
// in progress, returning ErrAlreadyFinal otherwise.
type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Finalize(ctx context.Context, id string, fin Finalization) error
}

// CreateRequest is the REST payload for opening a session.
type CreateRequest struct {
	BotID string `json:"bot_id"`
}

// CreateResponse tells the client where to connect.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	BotID           string    `json:"bot_id"`
	Flavor          string    `json:"flavor"`
	Status          Status    `json:"status"`
	WSPath          string    `json:"ws_path"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

func validateFinalization(fin Finalization) error {
	switch fin.Status {
	case StatusCompleted, StatusDisconnected:
		return nil
	default:
		return errors.Join(ErrInvalid, errors.New("final status must be completed or disconnected"))
	}
}
