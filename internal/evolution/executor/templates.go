package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/omegabot/omega/internal/evolution/models"
)

func issueBody(p models.ScoredProposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n%s\n\n", p.Title, p.Description)
	if p.Rationale != "" {
		fmt.Fprintf(&b, "**Why:** %s\n\n", p.Rationale)
	}
	writeSignals(&b, p.Signals)
	fmt.Fprintf(&b, "- Type: `%s`\n- Risk: `%s`\n- Score: %.2f\n", p.Type, p.RiskLevel, p.TotalScore)
	b.WriteString("\nThis issue tracks an automated evolution proposal. The change passed the sanity checks; a pull request follows for review.\n")
	return b.String()
}

func pullRequestBody(p models.ScoredProposal, cs *models.ChangeSet, checks models.SanityCheckResults, stats models.DiffStats, issue *int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", p.Description)
	if cs.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", cs.Summary)
	}
	if p.Rationale != "" {
		fmt.Fprintf(&b, "**Why:** %s\n\n", p.Rationale)
	}
	writeSignals(&b, p.Signals)

	b.WriteString("## Scores\n\n| Impact | Effort | Risk | Novelty | Total |\n|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %.2f | %.2f | %.2f | %.2f | **%.2f** |\n\n", p.ImpactScore, p.EffortScore, p.RiskScore, p.NoveltyScore, p.TotalScore)

	if len(p.ExpectedImpact) > 0 {
		keys := make([]string, 0, len(p.ExpectedImpact))
		for k := range p.ExpectedImpact {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("## Expected impact\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %+.0f%%\n", k, p.ExpectedImpact[k]*100)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Sanity checks (score %.1f)\n\n", checks.OverallScore)
	for _, c := range checks.Checks {
		mark := "✅"
		if !c.Passed {
			mark = "❌"
		}
		fmt.Fprintf(&b, "- %s %s: %s\n", mark, c.Name, c.Details)
	}
	fmt.Fprintf(&b, "\n%d files, +%d/-%d lines.\n\n", len(cs.Files), stats.Additions, stats.Deletions)

	if issue != nil {
		fmt.Fprintf(&b, "Closes #%d\n\n", *issue)
	}
	fmt.Fprintf(&b, "Rollout is gated by the disabled feature flag `%s`.\n\n", FlagKey(p.Title))
	b.WriteString("_Opened automatically by the evolution engine. Requires human review; never auto-merged._\n")
	return b.String()
}

func commitMessage(p models.ScoredProposal, cs *models.ChangeSet) string {
	msg := fmt.Sprintf("evolution(%s): %s", p.Type, p.Title)
	if cs.Summary != "" {
		msg += "\n\n" + cs.Summary
	}
	return msg
}

func writeSignals(b *strings.Builder, signals []string) {
	if len(signals) == 0 {
		return
	}
	b.WriteString("**Signals:**\n")
	for _, s := range signals {
		fmt.Fprintf(b, "- %s\n", s)
	}
	b.WriteString("\n")
}
