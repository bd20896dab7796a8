package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/prepai/internal/config"
	"github.com/ent0n29/prepai/internal/realtime"
)

type providerSetup struct {
	provider realtime.Provider
	name     string
	detail   string
}

func resolveRealtimeProvider(cfg config.Config) (providerSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.RealtimeProvider))
	if mode == "" {
		mode = "auto"
	}

	openai := func() (providerSetup, bool) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return providerSetup{}, false
		}
		p := realtime.NewOpenAIProvider(realtime.OpenAIConfig{
			APIKey:           cfg.OpenAIAPIKey,
			URL:              cfg.OpenAIRealtimeURL,
			Model:            cfg.OpenAIRealtimeModel,
			HandshakeTimeout: cfg.UpstreamConnectTimeout,
		})
		return providerSetup{provider: p, name: p.Name(), detail: "openai realtime (" + cfg.OpenAIRealtimeModel + ")"}, true
	}
	gemini := func() (providerSetup, bool) {
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return providerSetup{}, false
		}
		p := realtime.NewGeminiProvider(realtime.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiLiveModel,
		})
		return providerSetup{provider: p, name: p.Name(), detail: "gemini live (" + cfg.GeminiLiveModel + ")"}, true
	}
	mock := func(detail string) providerSetup {
		p := realtime.NewMockProvider()
		return providerSetup{provider: p, name: p.Name(), detail: detail}
	}

	switch mode {
	case "openai":
		if setup, ok := openai(); ok {
			return setup, nil
		}
		return providerSetup{}, fmt.Errorf("REALTIME_PROVIDER=openai but OPENAI_API_KEY is not set")
	case "gemini":
		if setup, ok := gemini(); ok {
			return setup, nil
		}
		return providerSetup{}, fmt.Errorf("REALTIME_PROVIDER=gemini but GEMINI_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := openai(); ok {
			return setup, nil
		}
		if setup, ok := gemini(); ok {
			return setup, nil
		}
		return mock("mock (no OPENAI_API_KEY or GEMINI_API_KEY)"), nil
	default:
		return providerSetup{}, fmt.Errorf("invalid REALTIME_PROVIDER: %q (expected auto|openai|gemini|mock)", cfg.RealtimeProvider)
	}
}
