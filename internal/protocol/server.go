package protocol

import "time"

// ServerMessage is implemented by every outbound frame.
type ServerMessage interface {
	ServerType() string
}

const (
	TypeSessionReady       = "session_ready"
	TypeRecordingStarted   = "recording_started"
	TypeRecordingStopped   = "recording_stopped"
	TypeInterrupting       = "interrupting"
	TypeSessionCleared     = "session_cleared"
	TypeAgentStart         = "agent_start"
	TypeAgentEnd           = "agent_end"
	TypeToolStart          = "tool_start"
	TypeToolEnd            = "tool_end"
	TypeAudio              = "audio"
	TypeAudioEnd           = "audio_end"
	TypeAudioInterrupted   = "audio_interrupted"
	TypeError              = "error"
	TypeInsufficientCredit = "insufficient_credits"
)

// Status is the shape shared by plain acknowledgements: session_ready,
// recording_started, recording_stopped, interrupting, session_cleared and
// audio_end / audio_interrupted.
type Status struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type AgentEvent struct {
	Type      string `json:"type"`
	AgentName string `json:"agent_name"`
}

type ToolEvent struct {
	Type     string `json:"type"`
	ToolName string `json:"tool_name"`
	Output   string `json:"output,omitempty"`
}

type Audio struct {
	Type         string `json:"type"`
	Audio        string `json:"audio"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	// Retryable marks upstream failures that are expected to clear on their own.
	Retryable bool `json:"retryable,omitempty"`
}

type InsufficientCredits struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Balance     int64  `json:"balance"`
	Required    int64  `json:"required"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// SessionStart announces a flavored session (roleplay_start, interview_start).
type SessionStart struct {
	Type     string `json:"type"`
	BotName  string `json:"bot_name"`
	Scenario string `json:"scenario,omitempty"`
	Message  string `json:"message,omitempty"`
}

type TranscriptLine struct {
	ItemID    string    `json:"item_id"`
	Role      string    `json:"role"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptUpdate replaces raw history with the latest assembled lines.
type TranscriptUpdate struct {
	Type             string           `json:"type"`
	BotName          string           `json:"bot_name"`
	TranscriptLength int              `json:"transcript_length"`
	LatestEntries    []TranscriptLine `json:"latest_entries"`
}

type CurrentTranscript struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Length     int    `json:"transcript_length"`
}

type SessionInfo struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id,omitempty"`
	BotName        string    `json:"bot_name"`
	Scenario       string    `json:"scenario,omitempty"`
	Voice          string    `json:"voice,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	CreditsUsed    int64     `json:"credits_used"`
	Status         string    `json:"status"`
}

// SessionComplete closes an explicitly ended session (roleplay_complete,
// session_complete).
type SessionComplete struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	Duration    int64  `json:"duration"`
	CreditsUsed int64  `json:"credits_used"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

func (m Status) ServerType() string              { return m.Type }
func (m AgentEvent) ServerType() string          { return m.Type }
func (m ToolEvent) ServerType() string           { return m.Type }
func (m Audio) ServerType() string               { return m.Type }
func (m Error) ServerType() string               { return m.Type }
func (m InsufficientCredits) ServerType() string { return m.Type }
func (m SessionStart) ServerType() string        { return m.Type }
func (m TranscriptUpdate) ServerType() string    { return m.Type }
func (m CurrentTranscript) ServerType() string   { return m.Type }
func (m SessionInfo) ServerType() string         { return m.Type }
func (m SessionComplete) ServerType() string     { return m.Type }

// NewError builds an error event.
func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}
