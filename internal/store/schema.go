package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// schemaStatements create the engine's tables. Every statement is idempotent.
// The messages table is owned by the bot and only read here.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS self_reflections (
        id UUID PRIMARY KEY,
        run_date DATE NOT NULL UNIQUE,
        observation JSONB NOT NULL,
        pain_points JSONB NOT NULL DEFAULT '[]',
        opportunities JSONB NOT NULL DEFAULT '[]',
        created_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS evolution_proposals (
        id BIGSERIAL PRIMARY KEY,
        run_date DATE NOT NULL,
        proposal_type TEXT NOT NULL,
        title TEXT NOT NULL,
        description TEXT NOT NULL,
        rationale TEXT NOT NULL DEFAULT '',
        signals JSONB NOT NULL DEFAULT '[]',
        risk_level TEXT NOT NULL,
        expected_impact JSONB NOT NULL DEFAULT '{}',
        impact_score DOUBLE PRECISION NOT NULL,
        effort_score DOUBLE PRECISION NOT NULL,
        risk_score DOUBLE PRECISION NOT NULL,
        novelty_score DOUBLE PRECISION NOT NULL,
        total_score DOUBLE PRECISION NOT NULL,
        status TEXT NOT NULL,
        issue_number INTEGER,
        pr_number INTEGER,
        branch_name TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS evolution_proposals_run_date_idx ON evolution_proposals (run_date);`,
	`CREATE TABLE IF NOT EXISTS sanity_checks (
        id BIGSERIAL PRIMARY KEY,
        proposal_id BIGINT NOT NULL REFERENCES evolution_proposals (id),
        checks JSONB NOT NULL,
        overall_passed BOOLEAN NOT NULL,
        overall_score DOUBLE PRECISION NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS feature_flags (
        key TEXT PRIMARY KEY,
        description TEXT NOT NULL DEFAULT '',
        enabled BOOLEAN NOT NULL DEFAULT FALSE,
        rollout_percent INTEGER NOT NULL DEFAULT 0 CHECK (rollout_percent BETWEEN 0 AND 100),
        metadata JSONB NOT NULL DEFAULT '{}',
        updated_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS evolution_audit_log (
        id BIGSERIAL PRIMARY KEY,
        action TEXT NOT NULL,
        actor TEXT NOT NULL,
        details JSONB NOT NULL DEFAULT '{}',
        created_at TIMESTAMPTZ NOT NULL
    );`,
}

// Migrate creates any missing tables in a single transaction.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Database schema is up to date.", zap.Int("statements", len(schemaStatements)))
	return nil
}
