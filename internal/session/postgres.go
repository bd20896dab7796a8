package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initSessionSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS realtime_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			flavor TEXT NOT NULL,
			status TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '',
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			credits_charged BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_realtime_sessions_user_started ON realtime_sessions (user_id, started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) (Record, error) {
	rec, err := prepareRecord(rec)
	if err != nil {
		return Record{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO realtime_sessions (id, user_id, bot_id, flavor, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.PersonaID, rec.Flavor, string(rec.Status), rec.StartedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var (
		rec    Record
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, bot_id, flavor, status, transcript, duration_seconds,
		        credits_charged, started_at, completed_at
		   FROM realtime_sessions WHERE id=$1`,
		id,
	).Scan(&rec.ID, &rec.UserID, &rec.PersonaID, &rec.Flavor, &status, &rec.Transcript,
		&rec.DurationSeconds, &rec.CreditsCharged, &rec.StartedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	rec.Status = Status(status)
	return rec, nil
}

// Finalize writes terminal fields in a single conditional update so that a
// second termination attempt never overwrites the first.
func (s *PostgresStore) Finalize(ctx context.Context, id string, fin Finalization) error {
	if err := validateFinalization(fin); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE realtime_sessions
		    SET status=$2, transcript=$3, duration_seconds=$4, credits_charged=$5, completed_at=$6
		  WHERE id=$1 AND status=$7`,
		id, string(fin.Status), fin.Transcript, fin.DurationSeconds, fin.CreditsCharged,
		fin.CompletedAt.UTC(), string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyFinal
}
