// File: cmd/summary_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omegabot/omega/internal/evolution/mocks"
	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/service"
)

func TestResolveRunDate(t *testing.T) {
	// 23:30 UTC on May 9 is already May 10 in Tokyo.
	now := time.Date(2026, 5, 9, 23, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		date    string
		tz      string
		want    time.Time
		wantErr string
	}{
		{name: "Explicit Date", date: "2026-04-01", tz: "UTC", want: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{name: "Today UTC", tz: "UTC", want: time.Date(2026, 5, 9, 0, 0, 0, 0, time.UTC)},
		{name: "Today In Schedule Timezone", tz: "Asia/Tokyo", want: time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)},
		{name: "Malformed Date", date: "10/05/2026", tz: "UTC", wantErr: "expected YYYY-MM-DD"},
		{name: "Bad Timezone", tz: "Moon/Base", wantErr: "invalid schedule timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveRunDate(tt.date, tt.tz, now)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestRunSummary(t *testing.T) {
	pr := 9
	store := new(mocks.MockStore)
	store.On("ListProposalsByRunDate", mock.Anything, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)).Return([]models.ScoredProposal{
		{EvolutionProposal: models.EvolutionProposal{Title: "Add weather tool", Type: models.ProposalCapability, RiskLevel: models.RiskLow, Status: models.StatusImplemented, PRNumber: &pr}, TotalScore: 0.71},
	}, nil)
	factory := &fakeFactory{t: t, store: store}
	cfg := newTestConfig(t, nil)

	var plain bytes.Buffer
	require.NoError(t, runSummary(context.Background(), cfg, zaptest.NewLogger(t), factory, &plain, "2026-05-10", true, time.Now()))
	assert.Contains(t, plain.String(), "# Evolution summary for 2026-05-10")
	assert.Contains(t, plain.String(), "- **Add weather tool** (capability, risk low, score 0.71): PR #9")
	assert.Equal(t, []service.Mode{service.ModeReadOnly}, factory.calls())

	// With colors disabled the highlighted output matches the markdown.
	var colored bytes.Buffer
	require.NoError(t, runSummary(context.Background(), cfg, zaptest.NewLogger(t), factory, &colored, "2026-05-10", false, time.Now()))
	assert.Equal(t, plain.String(), colored.String())
}

func TestRunSummary_BadDate(t *testing.T) {
	factory := &fakeFactory{t: t, store: new(mocks.MockStore)}
	err := runSummary(context.Background(), newTestConfig(t, nil), zaptest.NewLogger(t), factory, &bytes.Buffer{}, "yesterday", true, time.Now())
	assert.ErrorContains(t, err, "invalid --date")
}

func TestSummaryDefaultsToLastCycleDayInScheduleTimezone(t *testing.T) {
	// 18:00 UTC on Oct 18 is already 03:00 on Oct 19 in Tokyo.
	cycleAt := time.Date(2026, 10, 18, 18, 0, 0, 0, time.UTC)
	tokyoDay := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := cycleStore(weatherHistory())
	store.On("ListProposalsByRunDate", mock.Anything, tokyoDay).Return([]models.ScoredProposal{}, nil)
	factory := &fakeFactory{t: t, store: store, actor: prActor{}, now: func() time.Time { return cycleAt }}
	cfg := newTestConfig(t, map[string]any{"evolution.timezone": "Asia/Tokyo"})

	var raw bytes.Buffer
	require.NoError(t, runEvolve(ctx, cfg, logger, factory, &raw, true))
	var report models.CycleReport
	require.NoError(t, json.Unmarshal(raw.Bytes(), &report))
	assert.True(t, tokyoDay.Equal(report.RunDate), "cycle stamped %s", report.RunDate)
	store.AssertCalled(t, "InsertProposals", mock.Anything, mock.MatchedBy(func(ps []models.ScoredProposal) bool {
		for _, p := range ps {
			if !p.RunDate.Equal(tokyoDay) {
				return false
			}
		}
		return len(ps) > 0
	}))

	var out bytes.Buffer
	require.NoError(t, runSummary(ctx, cfg, logger, factory, &out, "", true, cycleAt.Add(6*time.Hour)))
	store.AssertCalled(t, "ListProposalsByRunDate", mock.Anything, tokyoDay)
	assert.Contains(t, out.String(), "# Evolution summary for 2026-10-19")
}
