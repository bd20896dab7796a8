package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps session records in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	rec, err := prepareRecord(rec)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) Finalize(_ context.Context, id string, fin Finalization) error {
	if err := validateFinalization(fin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusInProgress {
		return ErrAlreadyFinal
	}
	completed := fin.CompletedAt.UTC()
	rec.Status = fin.Status
	rec.Transcript = fin.Transcript
	rec.DurationSeconds = fin.DurationSeconds
	rec.CreditsCharged = fin.CreditsCharged
	rec.CompletedAt = &completed
	s.records[id] = rec
	return nil
}

func prepareRecord(rec Record) (Record, error) {
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.PersonaID) == "" {
		return Record{}, errors.Join(ErrInvalid, errors.New("user_id and bot_id are required"))
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.Status = StatusInProgress
	rec.CompletedAt = nil
	return rec, nil
}
