package synthesizer

import (
	"strings"
	"time"

	"github.com/omegabot/omega/internal/evolution/models"
)

// Per-type baselines. Evidence raises impact; sensitive areas raise effort and risk.
var (
	impactBase = map[models.ProposalType]float64{
		models.ProposalCapability:   0.30,
		models.ProposalAnticipatory: 0.25,
		models.ProposalWildcard:     0.20,
		models.ProposalOther:        0.30,
	}
	effortBase = map[models.ProposalType]float64{
		models.ProposalCapability:   0.50,
		models.ProposalAnticipatory: 0.40,
		models.ProposalWildcard:     0.60,
		models.ProposalOther:        0.30,
	}
	riskBase = map[models.ProposalType]float64{
		models.ProposalCapability:   0.30,
		models.ProposalAnticipatory: 0.20,
		models.ProposalWildcard:     0.35,
		models.ProposalOther:        0.25,
	}
)

const (
	// strengthHalfPoint is the evidence count at which impact is halfway
	// between its base and 1.
	strengthHalfPoint = 3.0
	sensitiveEffort   = 0.2
	sensitiveRisk     = 0.4
	repeatNovelty     = 0.2
)

// SensitiveKeywords mark proposals that touch risky areas of the bot.
var SensitiveKeywords = []string{
	"database", "deploy", "auth", "security", "secret", "payment", "migration", "permission",
}

func (s *Synthesizer) score(c candidate, runDate time.Time) models.ScoredProposal {
	sensitive := isSensitive(c.Title + " " + c.Description)

	impact := clamp01(impactBase[c.Type] + (1-impactBase[c.Type])*saturate(float64(c.Strength)))

	effort := effortBase[c.Type]
	risk := riskBase[c.Type]
	if sensitive {
		effort += sensitiveEffort
		risk += sensitiveRisk
	}
	effort = clamp01(effort)
	risk = clamp01(risk)

	novelty := 1.0
	if s.history != nil && s.history.Seen(c.Title) {
		novelty = repeatNovelty
	}

	return models.ScoredProposal{
		EvolutionProposal: models.EvolutionProposal{
			RunDate:        runDate,
			Type:           c.Type,
			Title:          c.Title,
			Description:    c.Description,
			Rationale:      c.Rationale,
			Signals:        c.Signals,
			RiskLevel:      s.policy.Risk.Level(risk),
			ExpectedImpact: expectedImpact(c.Type, impact),
			Status:         models.StatusProposed,
		},
		ImpactScore:  impact,
		EffortScore:  effort,
		RiskScore:    risk,
		NoveltyScore: novelty,
		TotalScore:   s.policy.Weights.Combine(impact, effort, risk, novelty),
	}
}

// saturate maps an evidence count onto [0,1).
func saturate(n float64) float64 {
	if n <= 0 {
		return 0
	}
	return n / (n + strengthHalfPoint)
}

func expectedImpact(t models.ProposalType, impact float64) map[string]float64 {
	switch t {
	case models.ProposalCapability:
		return map[string]float64{"capability": impact, "reliability": impact / 2}
	case models.ProposalAnticipatory:
		return map[string]float64{"user_satisfaction": impact, "capability": impact / 2}
	case models.ProposalWildcard:
		return map[string]float64{"engagement": impact}
	default:
		return map[string]float64{"reliability": impact}
	}
}

func isSensitive(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range SensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
