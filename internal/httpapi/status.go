package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	RealtimeProvider string        `json:"realtime_provider"`
	StoreMode        string        `json:"store_mode"`
	AuthMode         string        `json:"auth_mode"`
	ActiveSessions   int           `json:"active_sessions"`
	Checks           []statusCheck `json:"checks"`
}

// handleStatus reports whether the deployment can actually serve sessions.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(s.providerName))
	if provider == "" {
		provider = "unknown"
	}
	authMode := strings.ToLower(strings.TrimSpace(s.cfg.AuthMode))
	if authMode == "" {
		authMode = "header"
	}

	checks := make([]statusCheck, 0, 6)
	checks = append(checks, s.providerChecks(provider)...)

	switch s.storeModeOrDefault() {
	case "postgres":
		checks = append(checks, statusCheck{
			ID:     "store",
			Status: "ok",
			Label:  "Session and credit persistence",
			Detail: "postgres",
		})
	default:
		checks = append(checks, statusCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Session and credit persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep transcripts and balances across restarts.",
		})
	}

	if authMode == "anonymous" {
		checks = append(checks, statusCheck{
			ID:     "auth",
			Status: "warn",
			Label:  "Authentication",
			Detail: "every request shares the anonymous principal",
			Fix:    "Set AUTH_MODE=header behind an authenticating proxy.",
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "auth",
			Status: "ok",
			Label:  "Authentication",
			Detail: "trusted header " + s.cfg.AuthHeader,
		})
	}

	if strings.TrimSpace(s.cfg.PersonaCatalogPath) == "" && s.storeModeOrDefault() != "postgres" {
		checks = append(checks, statusCheck{
			ID:     "personas",
			Status: "warn",
			Label:  "Bot catalog",
			Detail: "no catalog loaded; only the voice agent is available",
			Fix:    "Set PERSONA_CATALOG_PATH to a TOML catalog of bots.",
		})
	}

	active := 0
	if s.sessions != nil {
		active = s.sessions.ActiveCount()
	}
	respondJSON(w, http.StatusOK, statusResponse{
		RealtimeProvider: provider,
		StoreMode:        s.storeModeOrDefault(),
		AuthMode:         authMode,
		ActiveSessions:   active,
		Checks:           checks,
	})
}

func (s *Server) providerChecks(provider string) []statusCheck {
	keyCheck := func(id, label, key, env string) statusCheck {
		if strings.TrimSpace(key) == "" {
			return statusCheck{
				ID:     id,
				Status: "error",
				Label:  label,
				Detail: env + " is not set",
				Fix:    "Set " + env + " or switch to REALTIME_PROVIDER=mock.",
			}
		}
		return statusCheck{ID: id, Status: "ok", Label: label, Detail: "present"}
	}

	out := []statusCheck{{ID: "realtime_provider", Status: "ok", Label: "Realtime model", Detail: provider}}
	switch provider {
	case "openai":
		out = append(out, keyCheck("openai_key", "OpenAI API key", s.cfg.OpenAIAPIKey, "OPENAI_API_KEY"))
	case "gemini":
		out = append(out, keyCheck("gemini_key", "Gemini API key", s.cfg.GeminiAPIKey, "GEMINI_API_KEY"))
	case "mock":
		out = append(out, statusCheck{
			ID:     "mock_realtime",
			Status: "warn",
			Label:  "Realtime model is mock",
			Detail: "Agent replies are canned silence.",
			Fix:    "Set OPENAI_API_KEY or GEMINI_API_KEY.",
		})
	default:
		out[0].Status = "warn"
		out[0].Detail = "unknown provider; expected openai|gemini|mock"
	}
	return out
}
