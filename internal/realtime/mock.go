package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ent0n29/prepai/internal/transcript"
)

// MockProvider is a local fallback used when no upstream model is configured.
// Every eighth audio chunk it answers with a short canned turn.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Connect(_ context.Context, settings Settings) (Session, error) {
	return &mockSession{
		settings: settings,
		events:   make(chan Event, 128),
		history:  newHistoryBook(),
	}, nil
}

const mockChunksPerTurn = 8

type mockSession struct {
	mu       sync.Mutex
	settings Settings
	events   chan Event
	history  *historyBook
	chunks   int
	turns    int
	closed   bool
}

func (s *mockSession) Events() <-chan Event { return s.events }

func (s *mockSession) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	s.chunks++
	if s.chunks%mockChunksPerTurn != 0 {
		return nil
	}
	s.turns++
	userID := fmt.Sprintf("mock-user-%d", s.turns)
	agentID := fmt.Sprintf("mock-agent-%d", s.turns)
	s.history.setTranscript(userID, transcript.RoleUser, "simulated voice input", transcript.StatusCompleted)
	s.history.setTranscript(agentID, transcript.RoleAgent, "I heard you.", transcript.StatusCompleted)

	// 100ms of silence at 24kHz pcm16.
	silence := make([]byte, 4800)
	for _, ev := range []Event{
		AgentStart{AgentName: s.settings.AgentName},
		Audio{ItemID: agentID, ContentIndex: 0, Data: silence},
		AudioEnd{ItemID: agentID},
		HistoryUpdated{Items: s.history.snapshot()},
		AgentEnd{AgentName: s.settings.AgentName},
	} {
		select {
		case s.events <- ev:
		default:
			return fmt.Errorf("mock event buffer full")
		}
	}
	return nil
}

func (s *mockSession) Interrupt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.settings.Playback.ClearCurrent()
	return nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
