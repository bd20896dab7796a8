// Package persona holds the read-only bot configurations that define a
// conversational character: prompt, voice, tools and per-interval cost.
package persona

import (
	"context"
	"errors"
	"strings"
)

type Kind string

const (
	KindRoleplay  Kind = "roleplay"
	KindInterview Kind = "interview"
	KindAssistant Kind = "assistant"
)

var (
	ErrNotFound = errors.New("persona not found")
	ErrInvalid  = errors.New("invalid persona")
)

// Config is treated as immutable once a session has started.
type Config struct {
	ID                 string   `json:"id" toml:"id"`
	OwnerID            string   `json:"owner_id,omitempty" toml:"owner_id"`
	Kind               Kind     `json:"kind" toml:"kind"`
	Name               string   `json:"name" toml:"name"`
	Description        string   `json:"description,omitempty" toml:"description"`
	SystemPrompt       string   `json:"system_prompt" toml:"system_prompt"`
	Voice              string   `json:"voice,omitempty" toml:"voice"`
	CreditsPerInterval int64    `json:"credits_per_interval" toml:"credits_per_interval"`
	Tools              []string `json:"tools,omitempty" toml:"tools"`
	Active             bool     `json:"active" toml:"active"`
	Public             bool     `json:"public" toml:"public"`
}

// CostBearing reports whether sessions with this persona are metered.
func (c Config) CostBearing() bool {
	return c.CreditsPerInterval > 0
}

// AccessibleBy reports whether userID may start a session with the persona.
func (c Config) AccessibleBy(userID string) bool {
	if !c.Active {
		return false
	}
	if c.Public {
		return true
	}
	return strings.TrimSpace(c.OwnerID) != "" && c.OwnerID == strings.TrimSpace(userID)
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.Join(ErrInvalid, errors.New("id is required"))
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.Join(ErrInvalid, errors.New("name is required"))
	}
	switch c.Kind {
	case KindRoleplay, KindInterview, KindAssistant:
	default:
		return errors.Join(ErrInvalid, errors.New("unknown kind "+string(c.Kind)))
	}
	if c.CreditsPerInterval < 0 {
		return errors.Join(ErrInvalid, errors.New("credits_per_interval must be >= 0"))
	}
	return nil
}

// Store resolves persona configs by id.
type Store interface {
	Get(ctx context.Context, id string) (Config, error)
	Put(ctx context.Context, cfg Config) error
}

// DefaultAssistant is the free general-purpose voice agent.
func DefaultAssistant(voice string) Config {
	return Config{
		ID:   "assistant",
		Kind: KindAssistant,
		Name: "Assistant",
		SystemPrompt: "You are a helpful AI assistant. " +
			"Always respond strictly in English. " +
			"Do not translate, detect, or switch to any other language. " +
			"If the user speaks in another language, politely respond in English only.",
		Voice:  voice,
		Tools:  []string{"get_weather"},
		Active: true,
		Public: true,
	}
}
