// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/config"
	"github.com/omegabot/omega/internal/evolution/analyst"
	"github.com/omegabot/omega/internal/evolution/executor"
	"github.com/omegabot/omega/internal/flags"
)

// Mode selects how much of the engine a command needs.
type Mode int

const (
	// ModeReadOnly wires the store, flags and a dry-run analyst. Used by
	// commands that only read or administer records.
	ModeReadOnly Mode = iota
	// ModeEvolve additionally wires the ACT stage unless the config asks for
	// a dry run.
	ModeEvolve
)

// ComponentFactory creates the components a command needs. The abstraction
// lets command tests substitute the whole dependency graph.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger, mode Mode) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection of the evolution engine.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger, mode Mode) (*Components, error) {
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Policy. Validated once, here.
	pol, err := cfg.Policy()
	if err != nil {
		initializationErr = fmt.Errorf("invalid evolution policy: %w", err)
		return nil, initializationErr
	}
	components.Policy = pol

	// 2. Database and store.
	pool, st, err := InitializeDatabase(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.DBPool = pool
	components.Store = st
	components.Flags = flags.NewEvaluator(logger, st)

	// 3. Cycle guard.
	locker, rdb, err := InitializeLocker(ctx, cfg.Redis(), cfg.Evolution().LockTTL, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Locker = locker
	components.Redis = rdb

	// 4. ACT stage, only when it can run.
	acting := mode == ModeEvolve && !cfg.Evolution().DryRun
	var actor *executor.Actor
	if acting {
		impl, client, err := InitializeImplementer(ctx, cfg.LLM(), pol, logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.LLMClient = client

		a, err := InitializeActor(cfg, pol, impl, st, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize act stage: %w", err)
			return nil, initializationErr
		}
		actor = a
	}
	components.Acting = acting

	// 5. Analyst. An untyped nil keeps the analyst in dry-run mode.
	var an *analyst.Analyst
	if actor != nil {
		an, err = InitializeAnalyst(cfg, pol, st, locker, actor, logger)
	} else {
		an, err = InitializeAnalyst(cfg, pol, st, locker, nil, logger)
	}
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize analyst: %w", err)
		return nil, initializationErr
	}
	components.Analyst = an

	logger.Debug("Components initialized.", zap.Bool("acting", acting))
	return components, nil
}
