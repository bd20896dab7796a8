package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the realtime session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	LogLevel                 string
	LogFormat                string

	AuthMode   string
	AuthHeader string

	RealtimeProvider        string
	OpenAIAPIKey            string
	OpenAIRealtimeURL       string
	OpenAIRealtimeModel     string
	GeminiAPIKey            string
	GeminiLiveModel         string
	DefaultVoice            string
	TurnDetection           string
	Transcription           bool
	UpstreamConnectTimeout  time.Duration
	UpstreamConnectAttempts int

	MeteringInterval   time.Duration
	LatestEntries      int
	RedactPII          bool
	PersistenceTimeout time.Duration

	DatabaseURL        string
	PersonaCatalogPath string
}

// Load reads configuration and applies safe defaults. Values come from the
// environment; when APP_CONFIG_FILE names a toml, yaml or json file its keys
// (the same names as the environment variables) are read first and the
// environment overrides them.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if file := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	l := loader{v: v}

	cfg := Config{
		BindAddr:            l.stringOr("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    l.stringOr("APP_METRICS_NAMESPACE", "prepai"),
		LogLevel:            strings.ToLower(l.stringOr("APP_LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(l.stringOr("APP_LOG_FORMAT", "text")),
		AuthMode:            strings.ToLower(l.stringOr("AUTH_MODE", "header")),
		AuthHeader:          l.stringOr("AUTH_USER_HEADER", "X-User-ID"),
		RealtimeProvider:    strings.ToLower(l.stringOr("REALTIME_PROVIDER", "auto")),
		OpenAIAPIKey:        l.trimmed("OPENAI_API_KEY"),
		OpenAIRealtimeURL:   l.stringOr("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel: l.stringOr("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		GeminiAPIKey:        l.trimmed("GEMINI_API_KEY"),
		GeminiLiveModel:     l.stringOr("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		DefaultVoice:        l.stringOr("REALTIME_DEFAULT_VOICE", "alloy"),
		TurnDetection:       strings.ToLower(l.stringOr("REALTIME_TURN_DETECTION", "semantic_vad")),
		DatabaseURL:         l.trimmed("DATABASE_URL"),
		PersonaCatalogPath:  l.trimmed("PERSONA_CATALOG_PATH"),
	}

	var err error
	if cfg.ShutdownTimeout, err = l.duration("APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = l.duration("APP_SESSION_INACTIVITY_TIMEOUT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = l.boolean("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.Transcription, err = l.boolean("REALTIME_TRANSCRIPTION", true); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamConnectTimeout, err = l.duration("UPSTREAM_CONNECT_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamConnectAttempts, err = l.integer("UPSTREAM_CONNECT_ATTEMPTS", 1); err != nil {
		return Config{}, err
	}
	if cfg.MeteringInterval, err = l.duration("METERING_INTERVAL", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LatestEntries, err = l.integer("TRANSCRIPT_LATEST_ENTRIES", 5); err != nil {
		return Config{}, err
	}
	if cfg.RedactPII, err = l.boolean("TRANSCRIPT_REDACT_PII", false); err != nil {
		return Config{}, err
	}
	if cfg.PersistenceTimeout, err = l.duration("PERSISTENCE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.MeteringInterval <= 0 {
		return fmt.Errorf("METERING_INTERVAL must be positive")
	}
	if c.LatestEntries <= 0 {
		return fmt.Errorf("TRANSCRIPT_LATEST_ENTRIES must be positive")
	}
	if c.UpstreamConnectAttempts <= 0 {
		return fmt.Errorf("UPSTREAM_CONNECT_ATTEMPTS must be positive")
	}
	switch c.RealtimeProvider {
	case "auto", "openai", "gemini", "mock":
	default:
		return fmt.Errorf("REALTIME_PROVIDER must be one of auto, openai, gemini, mock")
	}
	switch c.TurnDetection {
	case "semantic_vad", "server_vad":
	default:
		return fmt.Errorf("REALTIME_TURN_DETECTION must be semantic_vad or server_vad")
	}
	switch c.AuthMode {
	case "header", "anonymous":
	default:
		return fmt.Errorf("AUTH_MODE must be header or anonymous")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}
	return nil
}

type loader struct {
	v *viper.Viper
}

func (l loader) trimmed(key string) string {
	return strings.TrimSpace(l.v.GetString(key))
}

func (l loader) stringOr(key, fallback string) string {
	if v := l.trimmed(key); v != "" {
		return v
	}
	return fallback
}

func (l loader) duration(key string, fallback time.Duration) (time.Duration, error) {
	v := l.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (l loader) integer(key string, fallback int) (int, error) {
	v := l.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (l loader) boolean(key string, fallback bool) (bool, error) {
	v := strings.ToLower(l.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
