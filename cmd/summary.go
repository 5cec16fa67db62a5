// File: cmd/summary.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/config"
	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/observability"
	"github.com/omegabot/omega/internal/service"
)

func newSummaryCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		date  string
		plain bool
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the evolution summary for a day.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runSummary(ctx, cfg, observability.GetLogger(), factory, cmd.OutOrStdout(), date, plain, time.Now())
		},
	}

	cmd.Flags().StringVarP(&date, "date", "d", "", "Run date as YYYY-MM-DD (default: today in the schedule timezone).")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print raw markdown without colors.")
	return cmd
}

func runSummary(ctx context.Context, cfg config.Interface, logger *zap.Logger, factory service.ComponentFactory, out io.Writer, date string, plain bool, now time.Time) error {
	components, err := factory.Create(ctx, cfg, logger, service.ModeReadOnly)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	day, err := resolveRunDate(date, components.Policy.Schedule.Timezone, now)
	if err != nil {
		return err
	}

	summary, err := components.Analyst.GenerateDailySummary(ctx, day)
	if err != nil {
		return err
	}
	if plain {
		_, err = io.WriteString(out, summary)
		return err
	}
	return writeColorized(out, summary)
}

// resolveRunDate parses date, or takes today's calendar date in tz, the
// same day a cycle started now would be stamped with.
func resolveRunDate(date, tz string, now time.Time) (time.Time, error) {
	if date != "" {
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", date)
		}
		return d, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule timezone %q: %w", tz, err)
	}
	return models.RunDateIn(now, loc), nil
}

// writeColorized highlights headings and missed quotas in a markdown summary.
func writeColorized(out io.Writer, md string) error {
	heading := color.New(color.FgCyan, color.Bold)
	warn := color.New(color.FgYellow)

	sc := bufio.NewScanner(strings.NewReader(md))
	for sc.Scan() {
		line := sc.Text()
		var err error
		switch {
		case strings.HasPrefix(line, "#"):
			_, err = heading.Fprintln(out, line)
		case strings.Contains(line, "(missed)"):
			_, err = warn.Fprintln(out, line)
		default:
			_, err = fmt.Fprintln(out, line)
		}
		if err != nil {
			return err
		}
	}
	return sc.Err()
}
