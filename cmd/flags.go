// File: cmd/flags.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/flags"
	"github.com/omegabot/omega/internal/observability"
	"github.com/omegabot/omega/internal/service"
	"github.com/omegabot/omega/internal/store"
)

// flagAdmin is the subset of flags.Evaluator used by the flags commands.
type flagAdmin interface {
	List(ctx context.Context) ([]models.FeatureFlag, error)
	Get(ctx context.Context, key string) (*models.FeatureFlag, error)
	Set(ctx context.Context, key string, change flags.Change) (*models.FeatureFlag, error)
	IsEnabled(ctx context.Context, key, subject string) (bool, error)
}

// newFlagsCmd groups the feature flag administration commands. Flags for
// evolved capabilities are created disabled when their pull request opens;
// operators enable them here after merging.
func newFlagsCmd(factory service.ComponentFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and change feature flags.",
	}

	// withFlags runs fn against a read-only component set.
	withFlags := func(cmd *cobra.Command, fn func(ctx context.Context, admin flagAdmin, out io.Writer) error) error {
		ctx := cmd.Context()
		cfg, err := getConfigFromContext(ctx)
		if err != nil {
			return err
		}
		components, err := factory.Create(ctx, cfg, observability.GetLogger(), service.ModeReadOnly)
		if err != nil {
			return fmt.Errorf("failed to initialize components: %w", err)
		}
		defer components.Shutdown()
		return fn(ctx, components.Flags, cmd.OutOrStdout())
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all feature flags.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlags(cmd, runFlagsList)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Show one feature flag.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlags(cmd, func(ctx context.Context, admin flagAdmin, out io.Writer) error {
				return runFlagsGet(ctx, admin, out, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <key> <subject>",
		Short: "Evaluate a feature flag for a subject, e.g. a user or guild ID.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlags(cmd, func(ctx context.Context, admin flagAdmin, out io.Writer) error {
				return runFlagsCheck(ctx, admin, out, args[0], args[1])
			})
		},
	})

	var (
		enabled bool
		rollout int
		actor   string
	)
	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Enable, disable or change the rollout of a feature flag.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			change := flags.Change{Actor: actor}
			if cmd.Flags().Changed("enabled") {
				change.Enabled = &enabled
			}
			if cmd.Flags().Changed("rollout") {
				change.RolloutPercent = &rollout
			}
			if change.Enabled == nil && change.RolloutPercent == nil {
				return fmt.Errorf("nothing to change: pass --enabled and/or --rollout")
			}
			return withFlags(cmd, func(ctx context.Context, admin flagAdmin, out io.Writer) error {
				return runFlagsSet(ctx, admin, out, args[0], change)
			})
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", false, "Enable (--enabled) or disable (--enabled=false) the flag.")
	set.Flags().IntVar(&rollout, "rollout", 0, "Rollout percentage, 0-100.")
	set.Flags().StringVar(&actor, "actor", "", "Name recorded in the audit log (default \"operator\").")
	cmd.AddCommand(set)

	return cmd
}

func runFlagsList(ctx context.Context, admin flagAdmin, out io.Writer) error {
	list, err := admin.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No feature flags.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATE\tROLLOUT\tDESCRIPTION")
	for _, f := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\n", f.Key, state(f.Enabled), f.RolloutPercent, f.Description)
	}
	return tw.Flush()
}

func runFlagsGet(ctx context.Context, admin flagAdmin, out io.Writer, key string) error {
	f, err := admin.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("feature flag %q does not exist", key)
	}
	if err != nil {
		return err
	}
	printFlag(out, f)
	return nil
}

func runFlagsCheck(ctx context.Context, admin flagAdmin, out io.Writer, key, subject string) error {
	on, err := admin.IsEnabled(ctx, key, subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s for %s: %s\n", key, subject, state(on))
	return err
}

func runFlagsSet(ctx context.Context, admin flagAdmin, out io.Writer, key string, change flags.Change) error {
	f, err := admin.Set(ctx, key, change)
	if err != nil {
		return err
	}
	printFlag(out, f)
	return nil
}

func printFlag(out io.Writer, f *models.FeatureFlag) {
	fmt.Fprintf(out, "%s: %s, rollout %d%%\n", f.Key, state(f.Enabled), f.RolloutPercent)
	if f.Description != "" {
		fmt.Fprintf(out, "  %s\n", f.Description)
	}
	if !f.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "  updated %s\n", f.UpdatedAt.Format("2006-01-02 15:04 MST"))
	}
}

func state(on bool) string {
	if on {
		return color.GreenString("on")
	}
	return color.RedString("off")
}
