package voice

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/prepai/internal/persona"
	"github.com/ent0n29/prepai/internal/protocol"
	"github.com/ent0n29/prepai/internal/transcript"
)

// Flavor specializes one Orchestrator for a kind of session: how the agent is
// instructed, which extra client messages exist, and which flavored server
// messages are emitted. An empty message type means the flavor never sends it.
type Flavor interface {
	Name() string
	Vocabulary() protocol.Vocabulary
	Messages() FlavorMessages
	Instructions(p persona.Config) string
	Header(p persona.Config, startedAt time.Time) transcript.Header
	// Persisted reports whether sessions of this flavor have a stored record.
	Persisted() bool
}

type FlavorMessages struct {
	Start             string
	TranscriptUpdate  string
	CurrentTranscript string
	Info              string
	Complete          string
}

const englishOnly = "Always respond strictly in English. " +
	"If the user speaks another language, politely continue in English."

type roleplayFlavor struct{}

func (roleplayFlavor) Name() string { return string(persona.KindRoleplay) }

func (roleplayFlavor) Vocabulary() protocol.Vocabulary {
	return protocol.Vocabulary{
		EndSession:        "end_roleplay",
		TranscriptRequest: "get_roleplay_transcript",
		InfoRequest:       "get_roleplay_info",
	}
}

func (roleplayFlavor) Messages() FlavorMessages {
	return FlavorMessages{
		Start:             "roleplay_start",
		TranscriptUpdate:  "roleplay_transcript_update",
		CurrentTranscript: "current_roleplay_transcript",
		Info:              "roleplay_info",
		Complete:          "roleplay_complete",
	}
}

func (roleplayFlavor) Instructions(p persona.Config) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))
	if scenario := strings.TrimSpace(p.Description); scenario != "" {
		fmt.Fprintf(&b, "\n\nScenario: %s", scenario)
	}
	fmt.Fprintf(&b, "\n\nYou are %s. Stay in character for the whole conversation and never mention that you are an AI model. ", p.Name)
	b.WriteString(englishOnly)
	return b.String()
}

func (roleplayFlavor) Header(p persona.Config, startedAt time.Time) transcript.Header {
	return transcript.Header{
		Title:     "Roleplay Session",
		AgentName: p.Name,
		Scenario:  p.Description,
		StartedAt: startedAt,
		UserLabel: "User",
	}
}

func (roleplayFlavor) Persisted() bool { return true }

type interviewFlavor struct{}

func (interviewFlavor) Name() string { return string(persona.KindInterview) }

func (interviewFlavor) Vocabulary() protocol.Vocabulary {
	return protocol.Vocabulary{
		EndSession:        "end_interview",
		TranscriptRequest: "get_interview_transcript",
		InfoRequest:       "get_interview_info",
	}
}

func (interviewFlavor) Messages() FlavorMessages {
	return FlavorMessages{
		Start:             "interview_start",
		TranscriptUpdate:  "interview_transcript_update",
		CurrentTranscript: "current_interview_transcript",
		Info:              "interview_info",
		Complete:          "session_complete",
	}
}

func (interviewFlavor) Instructions(p persona.Config) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))
	if role := strings.TrimSpace(p.Description); role != "" {
		fmt.Fprintf(&b, "\n\nInterview focus: %s", role)
	}
	fmt.Fprintf(&b, "\n\nYou are %s, the interviewer. Ask one question at a time, wait for the candidate to finish, "+
		"and follow up on vague answers. ", p.Name)
	b.WriteString(englishOnly)
	return b.String()
}

func (interviewFlavor) Header(p persona.Config, startedAt time.Time) transcript.Header {
	return transcript.Header{
		Title:     "Interview Session",
		AgentName: p.Name,
		Scenario:  p.Description,
		StartedAt: startedAt,
		UserLabel: "Candidate",
	}
}

func (interviewFlavor) Persisted() bool { return true }

// assistantFlavor is the free general-purpose voice agent.
type assistantFlavor struct{}

func (assistantFlavor) Name() string { return string(persona.KindAssistant) }

func (assistantFlavor) Vocabulary() protocol.Vocabulary { return protocol.Vocabulary{} }

func (assistantFlavor) Messages() FlavorMessages { return FlavorMessages{} }

func (assistantFlavor) Instructions(p persona.Config) string { return p.SystemPrompt }

func (assistantFlavor) Header(p persona.Config, startedAt time.Time) transcript.Header {
	return transcript.Header{Title: "Voice Agent Session", AgentName: p.Name, StartedAt: startedAt}
}

func (assistantFlavor) Persisted() bool { return false }

var (
	Roleplay  Flavor = roleplayFlavor{}
	Interview Flavor = interviewFlavor{}
	Assistant Flavor = assistantFlavor{}
)

// FlavorFor maps a persona kind to its flavor.
func FlavorFor(kind persona.Kind) (Flavor, bool) {
	switch kind {
	case persona.KindRoleplay:
		return Roleplay, true
	case persona.KindInterview:
		return Interview, true
	case persona.KindAssistant:
		return Assistant, true
	default:
		return nil, false
	}
}
