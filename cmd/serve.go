// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/config"
	"github.com/omegabot/omega/internal/observability"
	"github.com/omegabot/omega/internal/service"
)

// newServeCmd creates the 'serve' command, which runs the evolution cycle on
// the policy schedule until interrupted.
func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the evolution cycle on its daily schedule.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runServe(ctx, cfg, observability.GetLogger(), factory, runNow)
		},
	}

	cmd.Flags().BoolVar(&runNow, "run-now", false, "Run one cycle immediately before waiting for the schedule.")
	return cmd
}

// runServe blocks until ctx is cancelled. A cycle in flight at shutdown is
// allowed to finish.
func runServe(ctx context.Context, cfg config.Interface, logger *zap.Logger, factory service.ComponentFactory, runNow bool) error {
	if !cfg.Evolution().Enabled {
		return fmt.Errorf("evolution is disabled (evolution.enabled=false)")
	}

	components, err := factory.Create(ctx, cfg, logger, service.ModeEvolve)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	pol := components.Policy
	loc, err := pol.Location()
	if err != nil {
		return fmt.Errorf("invalid schedule timezone: %w", err)
	}

	logger = logger.Named("scheduler")
	cronLog := cronLogger{logger.Sugar()}
	scheduler := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	// Cycles outlive the trigger; the shutdown path waits for them.
	cycleCtx := context.WithoutCancel(ctx)
	runCycle := func() {
		report, err := components.Analyst.RunCycle(cycleCtx)
		if err != nil {
			logger.Error("Scheduled evolution cycle failed.", zap.Error(err))
			return
		}
		if report.Skipped {
			logger.Info("Scheduled evolution cycle skipped; another cycle holds the guard.")
		}
	}

	id, err := scheduler.AddFunc(pol.Schedule.Cron, runCycle)
	if err != nil {
		return fmt.Errorf("failed to schedule evolution cycle %q: %w", pol.Schedule.Cron, err)
	}
	scheduler.Start()
	logger.Info("Evolution scheduler started.",
		zap.String("cron", pol.Schedule.Cron),
		zap.String("timezone", loc.String()),
		zap.Time("next_run", scheduler.Entry(id).Next),
		zap.Bool("acting", components.Acting),
	)

	if runNow {
		runCycle()
	}

	<-ctx.Done()
	logger.Info("Stopping evolution scheduler; waiting for running cycles.")
	<-scheduler.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
