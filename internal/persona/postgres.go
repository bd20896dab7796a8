package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads bots authored through the admin screens.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initPersonaSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPersonaSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			voice TEXT NOT NULL DEFAULT '',
			credits_per_interval BIGINT NOT NULL DEFAULT 0,
			tools TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			public BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init persona schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Config, error) {
	var (
		cfg  Config
		kind string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, kind, name, description, system_prompt, voice,
		        credits_per_interval, tools, active, public
		   FROM bots WHERE id=$1`,
		strings.TrimSpace(id),
	).Scan(&cfg.ID, &cfg.OwnerID, &kind, &cfg.Name, &cfg.Description, &cfg.SystemPrompt, &cfg.Voice,
		&cfg.CreditsPerInterval, &cfg.Tools, &cfg.Active, &cfg.Public)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("get persona: %w", err)
	}
	cfg.Kind = Kind(kind)
	return cfg, nil
}

// Put upserts a persona; used to seed the table from the TOML catalog.
func (s *PostgresStore) Put(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	tools := cfg.Tools
	if tools == nil {
		tools = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bots (id, owner_id, kind, name, description, system_prompt, voice,
		                   credits_per_interval, tools, active, public, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		 ON CONFLICT (id) DO UPDATE SET
			owner_id=EXCLUDED.owner_id,
			kind=EXCLUDED.kind,
			name=EXCLUDED.name,
			description=EXCLUDED.description,
			system_prompt=EXCLUDED.system_prompt,
			voice=EXCLUDED.voice,
			credits_per_interval=EXCLUDED.credits_per_interval,
			tools=EXCLUDED.tools,
			active=EXCLUDED.active,
			public=EXCLUDED.public,
			updated_at=EXCLUDED.updated_at`,
		cfg.ID, cfg.OwnerID, string(cfg.Kind), cfg.Name, cfg.Description, cfg.SystemPrompt, cfg.Voice,
		cfg.CreditsPerInterval, tools, cfg.Active, cfg.Public,
	)
	if err != nil {
		return fmt.Errorf("put persona: %w", err)
	}
	return nil
}
