// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omegabot/omega/api/schemas"
	"github.com/omegabot/omega/internal/evolution/analyst"
	"github.com/omegabot/omega/internal/evolution/policy"
	"github.com/omegabot/omega/internal/flags"
	"github.com/omegabot/omega/internal/lock"
	"github.com/omegabot/omega/internal/observability"
	"github.com/omegabot/omega/internal/store"
)

// Components holds everything a command needs to run the evolution engine.
// It centralizes lifecycle management so commands only call Shutdown.
type Components struct {
	Policy  policy.Policy
	Store   *store.Store
	Locker  lock.Locker
	Analyst *analyst.Analyst
	Flags   *flags.Evaluator

	// Acting is false when the analyst was built without an actor and runs
	// every cycle as a dry run.
	Acting bool

	DBPool    *pgxpool.Pool
	Redis     redis.UniversalClient
	LLMClient schemas.LLMClient
}

// Shutdown releases resources in reverse order of creation. It is safe to
// call on partially initialized components.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Drain the bus and stop the chronicler so pending records reach the store.
	if c.Analyst != nil {
		c.Analyst.Close()
		logger.Debug("Analyst stopped.")
	}

	// 2. External clients.
	if c.LLMClient != nil {
		if err := c.LLMClient.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Error closing Redis client.", zap.Error(err))
		}
	}

	// 3. The database goes last; the chronicler may still have been writing.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
