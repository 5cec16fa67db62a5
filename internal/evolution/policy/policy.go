// internal/evolution/policy/policy.go
//
// Package policy holds the immutable parameters that govern every stage of an
// evolution cycle. A Policy is built once at process start, validated, and then
// passed by value; no stage mutates it.
package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omegabot/omega/internal/evolution/models"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid evolution policy")

// Schedule is when the daily cycle fires.
type Schedule struct {
	Cron     string
	Timezone string
}

// Quotas bound how many proposals are selected per cycle.
type Quotas struct {
	MinCapability      int
	MinAnticipatory    int
	MinWildcard        int
	MaxProposalsPerDay int
	// OptionalThreshold is the total score an optional pick must exceed.
	OptionalThreshold float64
}

// Minimum returns the per-cycle minimum for a proposal type.
func (q Quotas) Minimum(t models.ProposalType) int {
	switch t {
	case models.ProposalCapability:
		return q.MinCapability
	case models.ProposalAnticipatory:
		return q.MinAnticipatory
	case models.ProposalWildcard:
		return q.MinWildcard
	default:
		return 0
	}
}

// Limits are the size ceilings enforced by the sanity checker.
type Limits struct {
	MaxDiffLines    int
	MaxFilesChanged int
}

// Paths are the allow and block lists for changed files.
type Paths struct {
	Allowed []string
	Blocked []string
}

// RiskThresholds map a risk score to a risk level.
type RiskThresholds struct {
	Medium float64
	High   float64
}

// Level buckets a risk score.
func (r RiskThresholds) Level(score float64) models.RiskLevel {
	switch {
	case score >= r.High:
		return models.RiskHigh
	case score >= r.Medium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Weights combine the four sub-scores into a total.
type Weights struct {
	Impact  float64
	Effort  float64
	Risk    float64
	Novelty float64
}

// Sum is the total of all four weights.
func (w Weights) Sum() float64 {
	return w.Impact + w.Effort + w.Risk + w.Novelty
}

// Combine computes the weighted total. Effort and risk are inverted so that a
// higher score lowers the total.
func (w Weights) Combine(impact, effort, risk, novelty float64) float64 {
	return impact*w.Impact + (1-effort)*w.Effort + (1-risk)*w.Risk + novelty*w.Novelty
}

// PullRequests governs how the actor opens pull requests.
type PullRequests struct {
	BranchPrefix      string
	Labels            []string
	Reviewers         []string
	Draft             bool
	OpenTrackingIssue bool
	// AutoMerge must remain false; Validate rejects any other value.
	AutoMerge bool
}

// Observation bounds the history read by the observer.
type Observation struct {
	Window       time.Duration
	MessageLimit int
}

// Policy is the complete, read-only engine configuration.
type Policy struct {
	Schedule     Schedule
	Quotas       Quotas
	Limits       Limits
	Paths        Paths
	Risk         RiskThresholds
	Weights      Weights
	PullRequests PullRequests
	Observation  Observation
	// ForbiddenOperations are phrases that veto a privileged operation.
	ForbiddenOperations []string
}

// Default returns the compiled-in policy.
func Default() Policy {
	return Policy{
		Schedule: Schedule{
			Cron:     "0 3 * * *",
			Timezone: "UTC",
		},
		Quotas: Quotas{
			MinCapability:      1,
			MinAnticipatory:    1,
			MinWildcard:        1,
			MaxProposalsPerDay: 5,
			OptionalThreshold:  0.5,
		},
		Limits: Limits{
			MaxDiffLines:    500,
			MaxFilesChanged: 20,
		},
		Paths: Paths{
			Allowed: []string{
				"apps/bot/src/tools/",
				"apps/bot/src/lib/",
				"apps/bot/src/prompts/",
				"apps/bot/src/**/*.test.ts",
				"docs/",
			},
			Blocked: []string{
				".env",
				"**/*.pem",
				"**/*.key",
				"secrets",
				"credentials",
				"apps/bot/src/evolution/",
				".github/workflows/",
				"package-lock.json",
				"pnpm-lock.yaml",
			},
		},
		Risk: RiskThresholds{
			Medium: 0.4,
			High:   0.7,
		},
		Weights: Weights{
			Impact:  0.35,
			Effort:  0.20,
			Risk:    0.25,
			Novelty: 0.20,
		},
		PullRequests: PullRequests{
			BranchPrefix:      "omega/evolution/",
			Labels:            []string{"evolution", "automated"},
			OpenTrackingIssue: true,
		},
		Observation: Observation{
			Window:       24 * time.Hour,
			MessageLimit: 10000,
		},
		ForbiddenOperations: []string{
			"delete database",
			"drop table",
			"modify secrets",
			"change deployment",
		},
	}
}

// WithReviewers returns a copy of p with the given pull request reviewers.
func (p Policy) WithReviewers(reviewers []string) Policy {
	p.PullRequests.Reviewers = append([]string(nil), reviewers...)
	return p
}

// Location resolves the schedule timezone.
func (p Policy) Location() (*time.Location, error) {
	return time.LoadLocation(p.Schedule.Timezone)
}

// RunDate is the calendar day of t in the schedule timezone. Cycles and
// summaries both key proposals by it.
func (p Policy) RunDate(t time.Time) time.Time {
	loc, err := p.Location()
	if err != nil {
		loc = time.UTC
	}
	return models.RunDateIn(t, loc)
}

const weightTolerance = 1e-9

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := cron.ParseStandard(p.Schedule.Cron); err != nil {
		fail("schedule.cron %q: %v", p.Schedule.Cron, err)
	}
	if _, err := p.Location(); err != nil {
		fail("schedule.timezone %q: %v", p.Schedule.Timezone, err)
	}

	q := p.Quotas
	if q.MinCapability < 0 || q.MinAnticipatory < 0 || q.MinWildcard < 0 {
		fail("quota minimums must be non-negative")
	}
	if q.MaxProposalsPerDay <= 0 {
		fail("quotas.max_proposals_per_day must be positive")
	}
	if sum := q.MinCapability + q.MinAnticipatory + q.MinWildcard; sum > q.MaxProposalsPerDay {
		fail("quota minimums (%d) exceed max_proposals_per_day (%d)", sum, q.MaxProposalsPerDay)
	}
	if q.OptionalThreshold < 0 || q.OptionalThreshold > 1 {
		fail("quotas.optional_threshold must be in [0,1]")
	}

	if p.Limits.MaxDiffLines <= 0 {
		fail("limits.max_diff_lines must be positive")
	}
	if p.Limits.MaxFilesChanged <= 0 {
		fail("limits.max_files_changed must be positive")
	}
	if len(p.Paths.Allowed) == 0 {
		fail("paths.allowed must not be empty")
	}

	if !(p.Risk.Medium > 0 && p.Risk.Medium < p.Risk.High && p.Risk.High <= 1) {
		fail("risk thresholds must satisfy 0 < medium < high <= 1 (got %.2f, %.2f)", p.Risk.Medium, p.Risk.High)
	}

	w := p.Weights
	for _, nw := range []struct {
		name string
		v    float64
	}{{"impact", w.Impact}, {"effort", w.Effort}, {"risk", w.Risk}, {"novelty", w.Novelty}} {
		if nw.v < 0 {
			fail("weights.%s must be non-negative", nw.name)
		}
	}
	if math.Abs(w.Sum()-1.0) > weightTolerance {
		fail("weights must sum to 1.0 (got %.6f)", w.Sum())
	}

	if strings.TrimSpace(p.PullRequests.BranchPrefix) == "" {
		fail("pull_requests.branch_prefix must not be empty")
	}
	if p.PullRequests.AutoMerge {
		fail("pull_requests.auto_merge is not permitted")
	}

	if p.Observation.Window <= 0 {
		fail("observation.window must be positive")
	}
	if p.Observation.MessageLimit <= 0 {
		fail("observation.message_limit must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
