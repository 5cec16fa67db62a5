// Package flags evaluates and edits the rollout flags created for
// implemented proposals.
package flags

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/store"
)

// Store is the flag persistence used by the Evaluator.
type Store interface {
	GetFeatureFlag(ctx context.Context, key string) (*models.FeatureFlag, error)
	ListFeatureFlags(ctx context.Context) ([]models.FeatureFlag, error)
	UpsertFeatureFlag(ctx context.Context, f models.FeatureFlag) error
	InsertAuditLog(ctx context.Context, e models.AuditLogEntry) error
}

// Evaluator answers runtime feature checks.
type Evaluator struct {
	logger *zap.Logger
	store  Store
}

// NewEvaluator creates an Evaluator backed by store.
func NewEvaluator(logger *zap.Logger, store Store) *Evaluator {
	return &Evaluator{logger: logger.Named("flags"), store: store}
}

// Bucket maps a subject to a stable rollout bucket in [0,100) for key.
func Bucket(key, subject string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key + ":" + subject))
	return int(h.Sum32() % 100)
}

// Active reports whether f is on for subject. Raising RolloutPercent never
// turns a subject off.
func Active(f *models.FeatureFlag, subject string) bool {
	switch {
	case f == nil || !f.Enabled || f.RolloutPercent <= 0:
		return false
	case f.RolloutPercent >= 100:
		return true
	default:
		return Bucket(f.Key, subject) < f.RolloutPercent
	}
}

// IsEnabled loads key and evaluates it for subject. A missing flag is off.
func (e *Evaluator) IsEnabled(ctx context.Context, key, subject string) (bool, error) {
	f, err := e.store.GetFeatureFlag(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to evaluate flag %q: %w", key, err)
	}
	return Active(f, subject), nil
}

// List returns every flag.
func (e *Evaluator) List(ctx context.Context) ([]models.FeatureFlag, error) {
	return e.store.ListFeatureFlags(ctx)
}

// Get returns one flag.
func (e *Evaluator) Get(ctx context.Context, key string) (*models.FeatureFlag, error) {
	return e.store.GetFeatureFlag(ctx, key)
}

// Change is an operator edit. Nil fields are left as they are.
type Change struct {
	Enabled        *bool
	RolloutPercent *int
	Actor          string
}

// Set applies an operator change to an existing flag and audits it.
func (e *Evaluator) Set(ctx context.Context, key string, change Change) (*models.FeatureFlag, error) {
	f, err := e.store.GetFeatureFlag(ctx, key)
	if err != nil {
		return nil, err
	}
	before := *f

	if change.Enabled != nil {
		f.Enabled = *change.Enabled
	}
	if change.RolloutPercent != nil {
		if p := *change.RolloutPercent; p < 0 || p > 100 {
			return nil, fmt.Errorf("rollout percent %d out of range [0,100]", p)
		}
		f.RolloutPercent = *change.RolloutPercent
	}
	if err := e.store.UpsertFeatureFlag(ctx, *f); err != nil {
		return nil, err
	}

	actor := change.Actor
	if actor == "" {
		actor = "operator"
	}
	entry := models.AuditLogEntry{
		Action: models.AuditFlagChanged,
		Actor:  actor,
		Details: map[string]any{
			"key":             key,
			"enabled_before":  before.Enabled,
			"enabled":         f.Enabled,
			"rollout_before":  before.RolloutPercent,
			"rollout_percent": f.RolloutPercent,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.InsertAuditLog(ctx, entry); err != nil {
		e.logger.Error("Failed to audit flag change.", zap.String("key", key), zap.Error(err))
	}

	e.logger.Info("Feature flag updated.",
		zap.String("key", key),
		zap.Bool("enabled", f.Enabled),
		zap.Int("rollout_percent", f.RolloutPercent),
	)
	return f, nil
}
