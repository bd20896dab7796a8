// Package realtime abstracts the upstream speech-to-speech model as an
// opaque bidirectional stream: audio goes in, typed events come out.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/prepai/internal/playback"
	"github.com/ent0n29/prepai/internal/transcript"
)

var ErrClosed = errors.New("realtime session closed")

// Event is the closed union of upstream notifications.
type Event interface {
	realtimeEvent()
}

type AgentStart struct{ AgentName string }
type AgentEnd struct{ AgentName string }
type ToolStart struct{ ToolName string }

type ToolEnd struct {
	ToolName string
	Output   string
}

// Audio is a chunk of PCM16 24kHz mono agent speech.
type Audio struct {
	ItemID       string
	ContentIndex int
	Data         []byte
}

type AudioEnd struct{ ItemID string }
type AudioInterrupted struct{}

// Error is reported mid-stream; it does not by itself end the session.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

// HistoryUpdated carries a full snapshot of the conversation items.
type HistoryUpdated struct {
	Items []transcript.Item
}

// Raw is a provider diagnostic that is logged, never forwarded.
type Raw struct {
	Type    string
	Payload []byte
}

func (AgentStart) realtimeEvent()       {}
func (AgentEnd) realtimeEvent()         {}
func (ToolStart) realtimeEvent()        {}
func (ToolEnd) realtimeEvent()          {}
func (Audio) realtimeEvent()            {}
func (AudioEnd) realtimeEvent()         {}
func (AudioInterrupted) realtimeEvent() {}
func (Error) realtimeEvent()            {}
func (HistoryUpdated) realtimeEvent()   {}
func (Raw) realtimeEvent()              {}

const (
	TurnDetectionSemantic = "semantic_vad"
	TurnDetectionServer   = "server_vad"
)

// Settings are negotiated once when the stream opens.
type Settings struct {
	AgentName     string
	Instructions  string
	Voice         string
	TurnDetection string
	Transcription bool
	Tools         []Tool
	// Playback is read on interruption to truncate the agent's utterance
	// at the point the listener actually heard.
	Playback *playback.Tracker
}

// Session is one live upstream stream. Events is closed when the stream
// terminates, whether by Close or by the remote end.
type Session interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Interrupt(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

type Provider interface {
	Name() string
	Connect(ctx context.Context, settings Settings) (Session, error)
}

// DialError is a failed upstream handshake.
type DialError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s dial failed with status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s dial failed: %v", e.Provider, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
