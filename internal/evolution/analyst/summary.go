package analyst

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
)

// summaryOrder is the section order of the daily summary.
var summaryOrder = []models.ProposalStatus{
	models.StatusImplemented,
	models.StatusSelected,
	models.StatusRejected,
	models.StatusDeferred,
	models.StatusProposed,
}

var summaryHeadings = map[models.ProposalStatus]string{
	models.StatusImplemented: "Implemented",
	models.StatusSelected:    "Selected, not yet acted on",
	models.StatusRejected:    "Rejected",
	models.StatusDeferred:    "Deferred",
	models.StatusProposed:    "Undecided",
}

// GenerateDailySummary renders the proposals stored for the calendar day of
// date, read in date's own location, as markdown grouped by status. Pass a
// value from Policy.RunDate to summarize a cycle.
func (a *Analyst) GenerateDailySummary(ctx context.Context, date time.Time) (string, error) {
	runDate := models.RunDateIn(date, date.Location())
	proposals, err := a.store.ListProposalsByRunDate(ctx, runDate)
	if err != nil {
		return "", fmt.Errorf("failed to load proposals for %s: %w", runDate.Format("2006-01-02"), err)
	}
	return RenderSummary(runDate, proposals, a.policy.Quotas, a.repoURL), nil
}

// RenderSummary formats a daily summary. repoURL may be empty, in which case
// pull requests are referenced by number only.
func RenderSummary(runDate time.Time, proposals []models.ScoredProposal, quotas policy.Quotas, repoURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Evolution summary for %s\n\n", runDate.Format("2006-01-02"))
	if len(proposals) == 0 {
		b.WriteString("No evolution proposals were recorded for this day.\n")
		return b.String()
	}

	groups := make(map[models.ProposalStatus][]models.ScoredProposal)
	picked := make(map[models.ProposalType]int)
	for _, p := range proposals {
		groups[p.Status] = append(groups[p.Status], p)
		switch p.Status {
		case models.StatusSelected, models.StatusImplemented, models.StatusRejected:
			picked[p.Type]++
		}
	}

	var counts []string
	for _, s := range summaryOrder {
		if n := len(groups[s]); n > 0 {
			counts = append(counts, fmt.Sprintf("%d %s", n, s))
		}
	}
	fmt.Fprintf(&b, "%d proposals: %s.\n\n", len(proposals), strings.Join(counts, ", "))

	var quotaLine []string
	for _, t := range models.QuotaTypes {
		mark := "met"
		if picked[t] < quotas.Minimum(t) {
			mark = "missed"
		}
		quotaLine = append(quotaLine, fmt.Sprintf("%s %d/%d (%s)", t, picked[t], quotas.Minimum(t), mark))
	}
	fmt.Fprintf(&b, "Quotas: %s\n", strings.Join(quotaLine, ", "))

	for _, s := range summaryOrder {
		group := groups[s]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s (%d)\n\n", summaryHeadings[s], len(group))
		for _, p := range group {
			fmt.Fprintf(&b, "- **%s** (%s, risk %s, score %.2f)", p.Title, p.Type, p.RiskLevel, p.TotalScore)
			if p.PRNumber != nil {
				fmt.Fprintf(&b, ": PR %s", prLink(repoURL, *p.PRNumber))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func prLink(repoURL string, n int) string {
	if repoURL == "" {
		return fmt.Sprintf("#%d", n)
	}
	return fmt.Sprintf("[#%d](%s/pull/%d)", n, strings.TrimSuffix(repoURL, "/"), n)
}
