package analyst

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/omegabot/omega/internal/evolution/models"
)

const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// cycleMetrics are the OpenTelemetry instruments recorded once per cycle.
type cycleMetrics struct {
	cycles    metric.Int64Counter
	proposals metric.Int64Counter
	actions   metric.Int64Counter
	duration  metric.Float64Histogram
}

func newCycleMetrics(meter metric.Meter) (*cycleMetrics, error) {
	var (
		m   cycleMetrics
		err error
	)
	m.cycles, err = meter.Int64Counter("omega.evolution.cycles",
		metric.WithDescription("Evolution cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycles counter: %w", err)
	}
	m.proposals, err = meter.Int64Counter("omega.evolution.proposals",
		metric.WithDescription("Proposals by type and decision"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proposals counter: %w", err)
	}
	m.actions, err = meter.Int64Counter("omega.evolution.actions",
		metric.WithDescription("Act stage attempts by resulting status"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create actions counter: %w", err)
	}
	m.duration, err = meter.Float64Histogram("omega.evolution.cycle.duration",
		metric.WithDescription("Evolution cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return &m, nil
}

func (m *cycleMetrics) recordCycle(ctx context.Context, r *models.CycleReport, outcome string) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("dry_run", r.DryRun),
	))
	if outcome == outcomeSkipped {
		return
	}
	m.duration.Record(ctx, r.FinishedAt.Sub(r.StartedAt).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))

	for _, group := range []struct {
		decision  string
		proposals []models.ScoredProposal
	}{
		{"selected", r.Decision.Selected},
		{"deferred", r.Decision.Deferred},
	} {
		for _, p := range group.proposals {
			m.proposals.Add(ctx, 1, metric.WithAttributes(
				attribute.String("type", string(p.Type)),
				attribute.String("decision", group.decision),
			))
		}
	}
	for _, res := range r.Results {
		m.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	}
}
