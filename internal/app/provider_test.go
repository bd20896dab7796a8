package app

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/prepai/internal/config"
)

func TestResolveRealtimeProvider(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr bool
	}{
		{name: "auto without keys", cfg: config.Config{RealtimeProvider: "auto"}, want: "mock"},
		{name: "auto prefers openai", cfg: config.Config{RealtimeProvider: "auto", OpenAIAPIKey: "sk", GeminiAPIKey: "g"}, want: "openai"},
		{name: "auto falls back to gemini", cfg: config.Config{GeminiAPIKey: "g"}, want: "gemini"},
		{name: "explicit openai without key", cfg: config.Config{RealtimeProvider: "openai"}, wantErr: true},
		{name: "explicit gemini without key", cfg: config.Config{RealtimeProvider: "gemini"}, wantErr: true},
		{name: "mock", cfg: config.Config{RealtimeProvider: "mock", OpenAIAPIKey: "sk"}, want: "mock"},
		{name: "unknown", cfg: config.Config{RealtimeProvider: "carrier"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setup, err := resolveRealtimeProvider(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveRealtimeProvider() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveRealtimeProvider() error = %v", err)
			}
			if setup.name != tc.want || setup.provider.Name() != tc.want {
				t.Fatalf("provider = %q, want %q", setup.name, tc.want)
			}
		})
	}
}

func TestBuildInMemory(t *testing.T) {
	cfg := config.Config{
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         "test_app_build",
		AuthMode:                 "anonymous",
		RealtimeProvider:         "mock",
		MeteringInterval:         time.Second,
		LatestEntries:            5,
		UpstreamConnectAttempts:  1,
	}
	res, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()
	if res.StoreMode != "in-memory" || res.Realtime.Provider != "mock" {
		t.Fatalf("build = %+v", res)
	}
	if res.API == nil || res.Orchestrator == nil || res.Ledger == nil {
		t.Fatalf("build result missing components")
	}
}
