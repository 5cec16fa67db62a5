// File: cmd/evolve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/config"
	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/observability"
	"github.com/omegabot/omega/internal/service"
)

// newEvolveCmd creates the 'evolve' command, which runs one evolution cycle
// immediately and prints its report.
func newEvolveCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		dryRun bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "evolve",
		Short: "Run one evolution cycle now.",
		Long: `The evolve command runs OBSERVE, ORIENT, DECIDE and ACT once.
Selected proposals become pull requests that require human review; nothing is merged.
Use --dry-run to stop after DECIDE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.SetEvolutionDryRun(true)
			}
			return runEvolve(ctx, cfg, observability.GetLogger(), factory, cmd.OutOrStdout(), asJSON)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stop after DECIDE; push nothing and open no pull requests.")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the cycle report as JSON.")
	return cmd
}

// runEvolve contains the core logic of the evolve command. It is decoupled
// from cobra and accepts all dependencies as arguments.
func runEvolve(ctx context.Context, cfg config.Interface, logger *zap.Logger, factory service.ComponentFactory, out io.Writer, asJSON bool) error {
	if !cfg.Evolution().Enabled {
		return fmt.Errorf("evolution is disabled (evolution.enabled=false)")
	}

	components, err := factory.Create(ctx, cfg, logger, service.ModeEvolve)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	report, err := components.Analyst.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Evolution cycle aborted.")
		}
		return fmt.Errorf("evolution cycle failed: %w", err)
	}

	if asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode cycle report: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	printReport(out, report)
	return nil
}

// printReport writes a short human-readable account of a cycle.
func printReport(out io.Writer, r *models.CycleReport) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	bold.Fprintf(out, "Evolution cycle %s (%s)\n", r.CycleID, r.RunDate.Format("2006-01-02"))
	if r.Skipped {
		yellow.Fprintln(out, "Skipped: another cycle is in progress.")
		return
	}

	fmt.Fprintf(out, "Observed %d messages, %d errors, %d failures.\n",
		r.Observation.MessageVolume, len(r.Observation.Errors), len(r.Observation.Failures))
	fmt.Fprintf(out, "Proposals: %d, selected: %d, deferred: %d.\n",
		len(r.Orientation.ScoredProposals), len(r.Decision.Selected), len(r.Decision.Deferred))
	if !r.Decision.MeetsRequirements {
		yellow.Fprintf(out, "Quotas not met: %s\n", r.Decision.Reason)
	}

	if r.DryRun {
		yellow.Fprintln(out, "Dry run: no branches pushed.")
		for _, p := range r.Decision.Selected {
			fmt.Fprintf(out, "  - %s (%s, score %.2f)\n", p.Title, p.Type, p.TotalScore)
		}
		return
	}

	for _, res := range r.Results {
		if res.Success {
			green.Fprintf(out, "  ✔ %s", res.Title)
			if res.PRURL != "" {
				fmt.Fprintf(out, " %s", res.PRURL)
			}
			fmt.Fprintln(out)
			continue
		}
		red.Fprintf(out, "  ✘ %s", res.Title)
		if res.Error != "" {
			fmt.Fprintf(out, ": %s", res.Error)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Implemented %d of %d in %s.\n", r.Implemented(), len(r.Results), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}
