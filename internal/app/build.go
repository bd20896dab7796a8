package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/prepai/internal/auth"
	"github.com/ent0n29/prepai/internal/config"
	"github.com/ent0n29/prepai/internal/httpapi"
	"github.com/ent0n29/prepai/internal/ledger"
	"github.com/ent0n29/prepai/internal/observability"
	"github.com/ent0n29/prepai/internal/persona"
	"github.com/ent0n29/prepai/internal/realtime"
	"github.com/ent0n29/prepai/internal/session"
	"github.com/ent0n29/prepai/internal/voice"
)

type RealtimeInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Ledger       ledger.Ledger
	Metrics      *observability.Metrics
	Realtime     RealtimeInfo
	StoreMode    string

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	authenticator, err := auth.New(cfg.AuthMode, cfg.AuthHeader)
	if err != nil {
		return nil, err
	}

	provider, err := resolveRealtimeProvider(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	cleanup := func() error {
		if pool != nil {
			pool.Close()
		}
		return nil
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	credits, err := ledger.New(ctx, pool)
	if err != nil {
		return fail(fmt.Errorf("ledger init failed: %w", err))
	}
	records, err := session.NewStore(ctx, pool)
	if err != nil {
		return fail(fmt.Errorf("session store init failed: %w", err))
	}
	catalog, err := persona.LoadCatalog(cfg.PersonaCatalogPath)
	if err != nil {
		return fail(fmt.Errorf("persona catalog load failed: %w", err))
	}
	personas, err := persona.NewStore(ctx, pool, catalog)
	if err != nil {
		return fail(fmt.Errorf("persona store init failed: %w", err))
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(info session.Info) {
		metrics.SessionEvent("expired")
		logger.Info("realtime session idle", "session_id", info.SessionID, "user_id", info.UserID)
	})

	orchestrator := voice.NewOrchestrator(
		provider.provider,
		realtime.DefaultRegistry(nil),
		credits,
		records,
		sessions,
		metrics,
		logger,
		voice.Config{
			MeteringInterval:   cfg.MeteringInterval,
			LatestEntries:      cfg.LatestEntries,
			TurnDetection:      cfg.TurnDetection,
			Transcription:      cfg.Transcription,
			DefaultVoice:       cfg.DefaultVoice,
			ConnectTimeout:     cfg.UpstreamConnectTimeout,
			ConnectAttempts:    cfg.UpstreamConnectAttempts,
			PersistenceTimeout: cfg.PersistenceTimeout,
			RedactPII:          cfg.RedactPII,
		},
	)

	storeMode := "in-memory"
	if pool != nil {
		storeMode = "postgres"
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Auth:         authenticator,
		Personas:     personas,
		Records:      records,
		Credits:      credits,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Logger:       logger,
		ProviderName: provider.name,
		StoreMode:    storeMode,
	})

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Ledger:       credits,
		Metrics:      metrics,
		Realtime:     RealtimeInfo{Provider: provider.name, Detail: provider.detail},
		StoreMode:    storeMode,
		Cleanup:      cleanup,
	}, nil
}

// OpenLedger opens only the credit ledger, for administrative commands.
func OpenLedger(ctx context.Context, cfg config.Config) (ledger.Ledger, func(), error) {
	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}
	l, err := ledger.New(ctx, pool)
	if err != nil {
		closePool()
		return nil, nil, fmt.Errorf("ledger init failed: %w", err)
	}
	return l, closePool, nil
}

// openPool returns nil without a database url; stores then run in memory.
func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Join(errors.New("postgres unreachable"), err)
	}
	return pool, nil
}
