package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	json "github.com/json-iterator/go"

	"github.com/omegabot/omega/internal/evolution/models"
)

const sqlQueryMessages = `
    SELECT content, role, COALESCE(tool_name, ''), created_at
    FROM messages
    WHERE created_at >= $1 AND created_at <= $2
    ORDER BY created_at ASC
    LIMIT $3;
`

// QueryMessages reads bot conversation history inside a time window.
func (s *Store) QueryMessages(ctx context.Context, q models.MessageQuery) ([]models.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, sqlQueryMessages, q.Start.UTC(), q.End.UTC(), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.Content, &m.Role, &m.ToolName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return msgs, nil
}

const sqlUpsertReflection = `
    INSERT INTO self_reflections (id, run_date, observation, pain_points, opportunities, created_at)
    VALUES ($1, $2, $3, $4, $5, $6)
    ON CONFLICT (run_date) DO UPDATE SET
        observation = EXCLUDED.observation,
        pain_points = EXCLUDED.pain_points,
        opportunities = EXCLUDED.opportunities;
`

// UpsertSelfReflection stores the reflection for its run date, replacing any earlier one.
func (s *Store) UpsertSelfReflection(ctx context.Context, r models.SelfReflection) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	observation, err := json.Marshal(r.Observation)
	if err != nil {
		return fmt.Errorf("failed to encode observation: %w", err)
	}
	painPoints, err := json.Marshal(nonNilStrings(r.PainPoints))
	if err != nil {
		return fmt.Errorf("failed to encode pain points: %w", err)
	}
	opportunities, err := json.Marshal(nonNilStrings(r.Opportunities))
	if err != nil {
		return fmt.Errorf("failed to encode opportunities: %w", err)
	}

	_, err = s.pool.Exec(ctx, sqlUpsertReflection,
		r.ID, models.RunDate(r.RunDate), observation, painPoints, opportunities, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert self reflection: %w", err)
	}
	return nil
}

const sqlInsertSanityCheck = `
    INSERT INTO sanity_checks (proposal_id, checks, overall_passed, overall_score, created_at)
    VALUES ($1, $2, $3, $4, $5);
`

// InsertSanityCheck records the gate results for a proposal.
func (s *Store) InsertSanityCheck(ctx context.Context, proposalID int64, res models.SanityCheckResults) error {
	checks, err := json.Marshal(res.Checks)
	if err != nil {
		return fmt.Errorf("failed to encode sanity checks: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlInsertSanityCheck,
		proposalID, checks, res.OverallPassed, res.OverallScore, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert sanity check for proposal %d: %w", proposalID, err)
	}
	return nil
}

const sqlInsertAuditLog = `
    INSERT INTO evolution_audit_log (action, actor, details, created_at)
    VALUES ($1, $2, $3, $4);
`

// InsertAuditLog appends an audit entry.
func (s *Store) InsertAuditLog(ctx context.Context, e models.AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlInsertAuditLog, e.Action, e.Actor, details, e.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert audit entry %q: %w", e.Action, err)
	}
	return nil
}

const sqlListAuditLog = `
    SELECT action, actor, details, created_at
    FROM evolution_audit_log
    WHERE created_at >= $1 AND created_at < $2
    ORDER BY created_at ASC, id ASC;
`

// ListAuditLog returns the audit entries written in [from, to).
func (s *Store) ListAuditLog(ctx context.Context, from, to time.Time) ([]models.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx, sqlListAuditLog, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var (
			e       models.AuditLogEntry
			details []byte
		)
		if err := rows.Scan(&e.Action, &e.Actor, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

const sqlGetFeatureFlag = `
    SELECT key, description, enabled, rollout_percent, metadata, updated_at
    FROM feature_flags
    WHERE key = $1;
`

// GetFeatureFlag loads a flag by key. A missing flag yields ErrNotFound.
func (s *Store) GetFeatureFlag(ctx context.Context, key string) (*models.FeatureFlag, error) {
	var (
		f        models.FeatureFlag
		rollout  int32
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, sqlGetFeatureFlag, key).
		Scan(&f.Key, &f.Description, &f.Enabled, &rollout, &metadata, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("feature flag %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load feature flag %q: %w", key, err)
	}
	f.RolloutPercent = int(rollout)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for flag %q: %w", key, err)
		}
	}
	return &f, nil
}

const sqlListFeatureFlags = `
    SELECT key, description, enabled, rollout_percent, metadata, updated_at
    FROM feature_flags
    ORDER BY key ASC;
`

// ListFeatureFlags returns every flag ordered by key.
func (s *Store) ListFeatureFlags(ctx context.Context) ([]models.FeatureFlag, error) {
	rows, err := s.pool.Query(ctx, sqlListFeatureFlags)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature flags: %w", err)
	}
	defer rows.Close()

	var flags []models.FeatureFlag
	for rows.Next() {
		var (
			f        models.FeatureFlag
			rollout  int32
			metadata []byte
		)
		if err := rows.Scan(&f.Key, &f.Description, &f.Enabled, &rollout, &metadata, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feature flag row: %w", err)
		}
		f.RolloutPercent = int(rollout)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for flag %q: %w", f.Key, err)
			}
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return flags, nil
}

const sqlUpsertFeatureFlag = `
    INSERT INTO feature_flags (key, description, enabled, rollout_percent, metadata, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6)
    ON CONFLICT (key) DO UPDATE SET
        description = EXCLUDED.description,
        enabled = EXCLUDED.enabled,
        rollout_percent = EXCLUDED.rollout_percent,
        metadata = EXCLUDED.metadata,
        updated_at = EXCLUDED.updated_at;
`

// UpsertFeatureFlag creates or replaces a flag.
func (s *Store) UpsertFeatureFlag(ctx context.Context, f models.FeatureFlag) error {
	if f.Key == "" {
		return fmt.Errorf("feature flag key must not be empty")
	}
	if f.RolloutPercent < 0 || f.RolloutPercent > 100 {
		return fmt.Errorf("feature flag %q: rollout percent %d out of range [0,100]", f.Key, f.RolloutPercent)
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	metadata, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for flag %q: %w", f.Key, err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertFeatureFlag,
		f.Key, f.Description, f.Enabled, f.RolloutPercent, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert feature flag %q: %w", f.Key, err)
	}
	return nil
}

const sqlCreateFeatureFlag = `
    INSERT INTO feature_flags (key, description, enabled, rollout_percent, metadata, updated_at)
    VALUES ($1, $2, FALSE, 0, $3, $4)
    ON CONFLICT (key) DO NOTHING;
`

// CreateFeatureFlag adds a disabled flag at 0% rollout unless the key exists.
// Operator changes to an existing flag are left untouched.
func (s *Store) CreateFeatureFlag(ctx context.Context, key, description string, metadata map[string]any) (bool, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode metadata for flag %q: %w", key, err)
	}
	tag, err := s.pool.Exec(ctx, sqlCreateFeatureFlag, key, description, encoded, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to create feature flag %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
