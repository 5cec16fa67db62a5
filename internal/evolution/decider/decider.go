package decider

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
)

// Decider selects the proposals to implement this cycle (Stage 3: DECIDE).
type Decider struct {
	logger *zap.Logger
	quotas policy.Quotas
}

// NewDecider initializes the Decider component.
func NewDecider(logger *zap.Logger, quotas policy.Quotas) *Decider {
	return &Decider{
		logger: logger.Named("decider"),
		quotas: quotas,
	}
}

// Decide splits proposals into selected and deferred.
//
// Proposals are walked in descending total score. A proposal is a required
// pick while its type is below its minimum, and an optional pick when it
// scores above the optional threshold. High risk proposals are always
// deferred. Neither kind of pick may exceed MaxProposalsPerDay, and optional
// picks leave room for minimums that later proposals can still satisfy.
func (d *Decider) Decide(proposals []models.ScoredProposal) models.DecisionResult {
	result := models.DecisionResult{
		Selected: []models.ScoredProposal{},
		Deferred: []models.ScoredProposal{},
	}

	sorted := make([]models.ScoredProposal, len(proposals))
	copy(sorted, proposals)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TotalScore > sorted[j].TotalScore
	})

	after := eligibleAfter(sorted)
	counts := map[models.ProposalType]int{}
	highRisk := 0

	for i, p := range sorted {
		if p.RiskLevel == models.RiskHigh {
			highRisk++
			result.Deferred = append(result.Deferred, p)
			continue
		}

		room := len(result.Selected) < d.quotas.MaxProposalsPerDay
		required := counts[p.Type] < d.quotas.Minimum(p.Type)

		var pick bool
		switch {
		case required:
			pick = room
		case p.TotalScore > d.quotas.OptionalThreshold:
			pick = len(result.Selected)+1+d.reserved(counts, after[i]) <= d.quotas.MaxProposalsPerDay
		}

		if pick {
			counts[p.Type]++
			result.Selected = append(result.Selected, p)
		} else {
			result.Deferred = append(result.Deferred, p)
		}
	}

	result.MeetsRequirements = true
	var shortfalls []string
	for _, t := range models.QuotaTypes {
		if counts[t] < d.quotas.Minimum(t) {
			result.MeetsRequirements = false
			shortfalls = append(shortfalls, fmt.Sprintf("%s %d/%d", t, counts[t], d.quotas.Minimum(t)))
		}
	}

	if result.MeetsRequirements {
		result.Reason = fmt.Sprintf("selected %d of %d proposals; all type minimums met", len(result.Selected), len(sorted))
	} else {
		result.Reason = fmt.Sprintf("selected %d of %d proposals; minimums not met: %s",
			len(result.Selected), len(sorted), strings.Join(shortfalls, ", "))
	}
	if highRisk > 0 {
		result.Reason += fmt.Sprintf("; %d high-risk deferred", highRisk)
	}

	d.logger.Info("Decision complete.",
		zap.Int("selected", len(result.Selected)),
		zap.Int("deferred", len(result.Deferred)),
		zap.Bool("meets_requirements", result.MeetsRequirements),
		zap.String("reason", result.Reason),
	)
	return result
}

// reserved counts the slots still owed to unmet minimums that can be filled
// by eligible proposals further down the list.
func (d *Decider) reserved(counts map[models.ProposalType]int, later map[models.ProposalType]int) int {
	total := 0
	for _, t := range models.QuotaTypes {
		owed := d.quotas.Minimum(t) - counts[t]
		if owed <= 0 {
			continue
		}
		if later[t] < owed {
			owed = later[t]
		}
		total += owed
	}
	return total
}

// eligibleAfter returns, for each index, the number of non-high-risk
// proposals of each type strictly after it.
func eligibleAfter(sorted []models.ScoredProposal) []map[models.ProposalType]int {
	out := make([]map[models.ProposalType]int, len(sorted))
	running := map[models.ProposalType]int{}
	for i := len(sorted) - 1; i >= 0; i-- {
		snapshot := make(map[models.ProposalType]int, len(running))
		for k, v := range running {
			snapshot[k] = v
		}
		out[i] = snapshot
		if sorted[i].RiskLevel != models.RiskHigh {
			running[sorted[i].Type]++
		}
	}
	return out
}
