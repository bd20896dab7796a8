package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/prepai/internal/realtime"
)

type voiceSummary struct {
	VoiceID string            `json:"voice_id"`
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
}

type listVoicesResponse struct {
	Provider       string         `json:"provider"`
	DefaultVoiceID string         `json:"default_voice_id"`
	Voices         []voiceSummary `json:"voices"`
}

// handleListVoices lists the voices a bot may be configured with for the
// active realtime provider.
func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(s.providerName))
	catalog, fallback := realtime.VoicesFor(provider)
	defaultID, ok := realtime.LookupVoice(catalog, s.cfg.DefaultVoice)
	if !ok {
		defaultID = fallback
	}
	voices := make([]voiceSummary, 0, len(catalog))
	for _, v := range catalog {
		voices = append(voices, voiceSummary{
			VoiceID: v.ID,
			Name:    v.Name,
			Labels:  map[string]string{"tone": v.Tone},
		})
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		Provider:       provider,
		DefaultVoiceID: defaultID,
		Voices:         voices,
	})
}
