// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omegabot/omega/api/schemas"
	"github.com/omegabot/omega/internal/config"
	"github.com/omegabot/omega/internal/evolution/analyst"
	"github.com/omegabot/omega/internal/evolution/executor"
	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
	"github.com/omegabot/omega/internal/llmclient"
	"github.com/omegabot/omega/internal/lock"
	"github.com/omegabot/omega/internal/store"
	"github.com/omegabot/omega/internal/tracker"
	"github.com/omegabot/omega/internal/workspace"
)

// ScaffoldDir is where design notes are written when no LLM is configured.
const ScaffoldDir = "docs/evolution"

// InitializeDatabase opens the connection pool, verifies it, and applies the
// schema when cfg.Migrate is set. The caller owns the returned pool.
func InitializeDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, *store.Store, error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (hint: check OMEGA_DATABASE_URL)")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if cfg.Migrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	logger.Debug("Database connection pool initialized.", zap.Int32("max_conns", poolConfig.MaxConns))
	return pool, st, nil
}

// InitializeLocker returns the cycle guard. Without a Redis address the guard
// only covers this process, which is fine for a single scheduler. The returned
// client is nil in that case.
func InitializeLocker(ctx context.Context, cfg config.RedisConfig, ttl time.Duration, logger *zap.Logger) (lock.Locker, redis.UniversalClient, error) {
	if cfg.Addr == "" {
		logger.Info("No Redis configured; using an in-process cycle guard.")
		return lock.NewLocal(), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Using Redis cycle guard.", zap.String("addr", cfg.Addr), zap.String("key", cfg.LockKey))
	return lock.NewRedis(client, cfg.LockKey, ttl), client, nil
}

// InitializeImplementer picks the LLM implementer when a model is configured
// and the scaffold writer otherwise. The returned client is nil for the
// scaffold writer; when set, the caller must close it.
func InitializeImplementer(ctx context.Context, cfg config.LLMRouterConfig, pol policy.Policy, logger *zap.Logger) (executor.Implementer, schemas.LLMClient, error) {
	client, err := llmclient.NewClient(ctx, cfg, logger)
	if errors.Is(err, llmclient.ErrNotConfigured) {
		logger.Warn("No LLM configured; evolution pull requests will contain design notes only.", zap.String("dir", ScaffoldDir))
		return executor.NewScaffoldImplementer(ScaffoldDir), nil, nil
	}
	if err != nil {
		logger.Error("Failed to initialize LLM client.", zap.Error(err))
		return nil, nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return executor.NewLLMImplementer(logger, client, pol), client, nil
}

// InitializeActor wires the ACT stage against GitHub and a fresh clone per proposal.
func InitializeActor(cfg config.Interface, pol policy.Policy, impl executor.Implementer, rec executor.Recorder, logger *zap.Logger) (*executor.Actor, error) {
	if err := cfg.ValidateForActing(); err != nil {
		return nil, err
	}
	gh, git := cfg.GitHub(), cfg.Git()

	tr, err := tracker.NewGitHub(logger, tracker.Config{
		Owner:             gh.RepoOwner,
		Repo:              gh.RepoName,
		Token:             gh.Token,
		BaseBranch:        gh.BaseBranch,
		APIURL:            gh.APIURL,
		RequestsPerSecond: gh.RequestsPerSecond,
		MaxRetries:        gh.MaxRetries,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracker: %w", err)
	}

	ws := workspace.New(logger, workspace.Config{
		RemoteURL:   git.RemoteURL,
		BaseBranch:  gh.BaseBranch,
		Token:       gh.Token,
		AuthorName:  git.AuthorName,
		AuthorEmail: git.AuthorEmail,
		TempDir:     git.WorkDir,
	})

	return executor.NewActor(logger, pol, executor.Dependencies{
		Implementer: impl,
		Workspace:   ws,
		Tracker:     tr,
		Recorder:    rec,
	}, executor.WithConcurrency(cfg.Evolution().ActConcurrency))
}

// InitializeAnalyst builds the cycle orchestrator with the deployment options
// from cfg. A nil actor forces dry-run mode.
func InitializeAnalyst(cfg config.Interface, pol policy.Policy, st analyst.Store, locker lock.Locker, actor analyst.Actor, logger *zap.Logger, extra ...analyst.Option) (*analyst.Analyst, error) {
	evo := cfg.Evolution()
	dryRun := evo.DryRun || actor == nil

	opts := []analyst.Option{
		analyst.WithDryRun(dryRun),
		analyst.WithHistoryLookback(evo.HistoryLookback),
		analyst.WithBusBufferSize(evo.BusBufferSize),
	}
	if gh := cfg.GitHub(); gh.RepoOwner != "" && gh.RepoName != "" {
		opts = append(opts, analyst.WithRepositoryURL(fmt.Sprintf("https://github.com/%s/%s", gh.RepoOwner, gh.RepoName)))
	}

	opts = append(opts, extra...)

	if actor == nil {
		actor = noopActor{}
	}
	return analyst.NewAnalyst(logger, pol, st, locker, actor, opts...)
}

// noopActor stands in when acting is disabled; the analyst is in dry-run
// mode then and never calls it.
type noopActor struct{}

func (noopActor) Act(context.Context, []models.ScoredProposal) []models.ActionResult { return nil }
