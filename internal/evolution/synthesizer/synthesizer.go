package synthesizer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
)

// History reports whether a proposal title was put forward recently.
type History interface {
	Seen(title string) bool
}

// Synthesizer turns an observation into pain points, opportunities and
// scored proposals (Stage 2: ORIENT).
type Synthesizer struct {
	logger  *zap.Logger
	policy  policy.Policy
	history History
	now     func() time.Time
}

// NewSynthesizer initializes the Synthesizer. history may be nil, in which
// case every proposal is considered novel.
func NewSynthesizer(logger *zap.Logger, pol policy.Policy, history History) *Synthesizer {
	return &Synthesizer{
		logger:  logger.Named("synthesizer"),
		policy:  pol,
		history: history,
		now:     time.Now,
	}
}

// candidate is a proposal before scoring.
type candidate struct {
	Type        models.ProposalType
	Title       string
	Description string
	Rationale   string
	Signals     []string
	// Strength is how many observed events support the candidate.
	Strength int
}

// Orient derives the orientation for one observation.
func (s *Synthesizer) Orient(obs models.ObservationData) models.OrientationResult {
	runDate := obs.WindowEnd
	if runDate.IsZero() {
		runDate = s.now()
	}
	runDate = s.policy.RunDate(runDate)

	result := models.OrientationResult{
		PainPoints:    painPoints(obs),
		Opportunities: opportunities(obs),
	}

	candidates := generateCandidates(obs, runDate)
	result.ScoredProposals = make([]models.ScoredProposal, 0, len(candidates))
	for _, c := range candidates {
		result.ScoredProposals = append(result.ScoredProposals, s.score(c, runDate))
	}

	s.logger.Info("Orientation complete.",
		zap.Int("pain_points", len(result.PainPoints)),
		zap.Int("opportunities", len(result.Opportunities)),
		zap.Int("proposals", len(result.ScoredProposals)),
	)
	return result
}

func painPoints(obs models.ObservationData) []string {
	points := []string{}
	if n := len(obs.Errors); n > 0 {
		points = append(points, fmt.Sprintf("%d error reports in the observation window", n))
	}
	for _, kind := range rankedFailureKinds(obs.FailureKinds) {
		points = append(points, fmt.Sprintf("%d messages hit %q failures", obs.FailureKinds[kind], kind))
	}
	if obs.Feelings.Concern >= 0.5 {
		points = append(points, "elevated concern in recent conversations")
	}
	if obs.Feelings.Confusion >= 0.5 {
		points = append(points, "users appear confused by recent answers")
	}
	return points
}

func opportunities(obs models.ObservationData) []string {
	opps := []string{}
	for _, t := range obs.Topics {
		opps = append(opps, fmt.Sprintf("high interest in %s (%d messages)", t.Topic, t.Count))
	}
	if tool, n := topTool(obs.ToolUsage); tool != "" {
		opps = append(opps, fmt.Sprintf("tool %s used %d times", tool, n))
	}
	return opps
}

var failureFixes = map[string]struct{ title, description string }{
	"failed to": {
		"Add retries for failing tool calls",
		"Wrap flaky tool invocations with bounded retries and surface a clear message when they still fail.",
	},
	"cannot": {
		"Explain unsupported requests with alternatives",
		"When a request is out of scope, reply with what the bot can do instead of a bare refusal.",
	},
	"unable to": {
		"Improve parsing of loosely structured requests",
		"Accept more phrasings for dates, amounts and names before giving up on a request.",
	},
	"timeout": {
		"Add timeouts and fallbacks to slow tools",
		"Give each tool call a deadline and fall back to a cached or partial answer when it expires.",
	},
	"rate limit": {
		"Queue requests when upstream rate limits are hit",
		"Back off and queue work on rate-limit responses instead of failing the user's request.",
	},
}

// WildcardIdeas are exploratory proposals, rotated by run date.
var WildcardIdeas = []struct{ Title, Description string }{
	{"Add a daily trivia prompt", "Offer an opt-in daily trivia question to keep channels active."},
	{"Let users bookmark bot answers", "Add a reaction-based bookmark so useful answers can be recalled later."},
	{"Summarize long threads on request", "Provide a command that condenses a long thread into key points."},
	{"Add a mood-aware greeting", "Vary greetings based on recent channel tone."},
	{"Offer conversation follow-ups", "Suggest a follow-up question after answering, when the topic invites one."},
	{"Publish a weekly changelog digest", "Post a short digest of merged bot improvements every week."},
	{"Add pronunciation hints to translations", "Include a phonetic hint when translating short phrases."},
}

func generateCandidates(obs models.ObservationData, runDate time.Time) []candidate {
	var out []candidate

	if len(obs.Errors) > 0 {
		out = append(out, candidate{
			Type:        models.ProposalOther,
			Title:       "Harden error handling for recurring failures",
			Description: "Catch and classify the errors seen in recent conversations and reply with actionable messages.",
			Rationale:   fmt.Sprintf("%d error reports observed", len(obs.Errors)),
			Signals:     firstN(obs.Errors, 3),
			Strength:    len(obs.Errors),
		})
	}

	capabilities := 0
	for _, kind := range rankedFailureKinds(obs.FailureKinds) {
		if capabilities == 2 {
			break
		}
		fix := failureFixes[kind]
		out = append(out, candidate{
			Type:        models.ProposalCapability,
			Title:       fix.title,
			Description: fix.description,
			Rationale:   fmt.Sprintf("%d messages matched the %q failure pattern", obs.FailureKinds[kind], kind),
			Signals:     matchingExcerpts(obs.Failures, kind, 3),
			Strength:    obs.FailureKinds[kind],
		})
		capabilities++
	}
	if tool, n := topTool(obs.ToolUsage); tool != "" {
		out = append(out, candidate{
			Type:        models.ProposalCapability,
			Title:       fmt.Sprintf("Extend the %s tool with richer options", tool),
			Description: fmt.Sprintf("The %s tool is the most used; add the parameters users ask for most often.", tool),
			Rationale:   fmt.Sprintf("%s used %d times", tool, n),
			Strength:    n,
		})
		capabilities++
	}
	if capabilities == 0 {
		out = append(out, candidate{
			Type:        models.ProposalCapability,
			Title:       "Add a self-diagnostics tool",
			Description: "Expose a tool that reports the bot's recent error rate and tool latency to moderators.",
			Rationale:   "no capability gaps stood out; improve visibility instead",
		})
	}

	anticipatory := 0
	for _, t := range obs.Topics {
		if anticipatory == 2 {
			break
		}
		out = append(out, candidate{
			Type:        models.ProposalAnticipatory,
			Title:       fmt.Sprintf("Prepare for growing interest in %s", t.Topic),
			Description: fmt.Sprintf("Add reference notes and prompt guidance for %s questions before demand grows further.", t.Topic),
			Rationale:   fmt.Sprintf("%s mentioned in %d messages", t.Topic, t.Count),
			Strength:    t.Count,
		})
		anticipatory++
	}
	if anticipatory == 0 {
		out = append(out, candidate{
			Type:        models.ProposalAnticipatory,
			Title:       "Draft an FAQ from recent conversations",
			Description: "Collect recurring questions into a maintained FAQ document the bot can cite.",
			Rationale:   "no dominant topic; consolidate general knowledge",
		})
	}

	idea := WildcardIdeas[(runDate.YearDay()-1)%len(WildcardIdeas)]
	out = append(out, candidate{
		Type:        models.ProposalWildcard,
		Title:       idea.Title,
		Description: idea.Description,
		Rationale:   "exploratory idea from the rotation",
	})

	return out
}

// rankedFailureKinds orders kinds by count, then by pattern order.
func rankedFailureKinds(kinds map[string]int) []string {
	order := []string{"failed to", "cannot", "unable to", "timeout", "rate limit"}
	ranked := make([]string, 0, len(kinds))
	for _, k := range order {
		if kinds[k] > 0 {
			ranked = append(ranked, k)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return kinds[ranked[i]] > kinds[ranked[j]]
	})
	return ranked
}

func topTool(usage map[string]int) (string, int) {
	best, bestN := "", 0
	for tool, n := range usage {
		if n > bestN || (n == bestN && tool < best) {
			best, bestN = tool, n
		}
	}
	return best, bestN
}

func matchingExcerpts(failures []string, kind string, n int) []string {
	var out []string
	for _, f := range failures {
		if len(out) == n {
			break
		}
		if strings.Contains(strings.ToLower(f), kind) {
			out = append(out, f)
		}
	}
	return out
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return append([]string(nil), s...)
	}
	return append([]string(nil), s[:n]...)
}
