package persona

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// InMemoryStore serves personas from process memory, typically seeded from a
// TOML catalog.
type InMemoryStore struct {
	mu       sync.RWMutex
	personas map[string]Config
}

func NewInMemoryStore(seed ...Config) *InMemoryStore {
	s := &InMemoryStore{personas: make(map[string]Config, len(seed))}
	for _, cfg := range seed {
		s.personas[cfg.ID] = cfg
	}
	return s
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.personas[strings.TrimSpace(id)]
	if !ok {
		return Config{}, ErrNotFound
	}
	cfg.Tools = append([]string(nil), cfg.Tools...)
	return cfg, nil
}

func (s *InMemoryStore) Put(_ context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[cfg.ID] = cfg
	return nil
}

type catalogFile struct {
	Personas []Config `toml:"personas"`
}

// LoadCatalog reads a TOML file of [[personas]] tables. A missing file yields
// an empty catalog.
func LoadCatalog(path string) ([]Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]Config, error) {
	var file catalogFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode persona catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Personas))
	for i, cfg := range file.Personas {
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("persona #%d: %w", i+1, err)
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("persona #%d: duplicate id %q", i+1, cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
	}
	return file.Personas, nil
}
