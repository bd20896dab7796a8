package realtime

import "strings"

// Voice is a prebuilt upstream voice a persona may be configured with.
type Voice struct {
	ID   string
	Name string
	Tone string
}

const (
	DefaultOpenAIVoice = "alloy"
	DefaultGeminiVoice = "Puck"
)

var OpenAIVoices = []Voice{
	{ID: "alloy", Name: "Alloy", Tone: "neutral"},
	{ID: "ash", Name: "Ash", Tone: "clear"},
	{ID: "ballad", Name: "Ballad", Tone: "warm"},
	{ID: "coral", Name: "Coral", Tone: "bright"},
	{ID: "echo", Name: "Echo", Tone: "resonant"},
	{ID: "sage", Name: "Sage", Tone: "calm"},
	{ID: "shimmer", Name: "Shimmer", Tone: "light"},
	{ID: "verse", Name: "Verse", Tone: "expressive"},
}

// GeminiVoices are the prebuilt voices Gemini Live accepts.
var GeminiVoices = []Voice{
	{ID: "Puck", Name: "Puck", Tone: "upbeat"},
	{ID: "Charon", Name: "Charon", Tone: "informative"},
	{ID: "Kore", Name: "Kore", Tone: "firm"},
	{ID: "Fenrir", Name: "Fenrir", Tone: "excitable"},
	{ID: "Aoede", Name: "Aoede", Tone: "breezy"},
	{ID: "Leda", Name: "Leda", Tone: "youthful"},
	{ID: "Orus", Name: "Orus", Tone: "firm"},
	{ID: "Zephyr", Name: "Zephyr", Tone: "bright"},
}

// VoicesFor returns the voice catalog and its fallback voice for a provider
// name. Unknown providers, including the mock, use the OpenAI catalog.
func VoicesFor(provider string) ([]Voice, string) {
	if strings.EqualFold(strings.TrimSpace(provider), "gemini") {
		return GeminiVoices, DefaultGeminiVoice
	}
	return OpenAIVoices, DefaultOpenAIVoice
}

// LookupVoice returns the catalog spelling of id, matched case-insensitively.
func LookupVoice(voices []Voice, id string) (string, bool) {
	id = strings.TrimSpace(id)
	for _, v := range voices {
		if strings.EqualFold(v.ID, id) {
			return v.ID, true
		}
	}
	return "", false
}
