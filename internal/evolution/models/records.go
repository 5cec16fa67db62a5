// internal/evolution/models/records.go
package models

import (
	"time"
)

// CheckResult is the outcome of a single sanity check.
type CheckResult struct {
	Name    string  `json:"name"`
	Passed  bool    `json:"passed"`
	Details string  `json:"details"`
	Score   float64 `json:"score"` // 0-100
}

// SanityCheckResults aggregates the checks run against a staged change.
type SanityCheckResults struct {
	Checks        []CheckResult `json:"checks"`
	OverallPassed bool          `json:"overall_passed"`
	OverallScore  float64       `json:"overall_score"`
}

// Failed returns the checks that did not pass.
func (r SanityCheckResults) Failed() []CheckResult {
	var failed []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// DiffStats summarizes the size of a staged change.
type DiffStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Lines is the total number of changed lines.
func (d DiffStats) Lines() int {
	return d.Additions + d.Deletions
}

// FileChange is one file write or deletion in a change set.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// ChangeSet is a concrete implementation of a proposal.
type ChangeSet struct {
	Summary string       `json:"summary"`
	Files   []FileChange `json:"files"`
}

// Paths lists the paths the change set touches.
func (c *ChangeSet) Paths() []string {
	paths := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// PullRequestSpec describes a pull request to open.
type PullRequestSpec struct {
	Title     string
	Body      string
	Head      string
	Labels    []string
	Reviewers []string
	Draft     bool
}

// PullRequest is a pull request as reported by the tracker.
type PullRequest struct {
	Number int
	URL    string
}

// IssueSpec describes a tracking issue to open.
type IssueSpec struct {
	Title  string
	Body   string
	Labels []string
}

// ActionResult is the outcome of acting on one selected proposal.
type ActionResult struct {
	ProposalID  int64               `json:"proposal_id"`
	Title       string              `json:"title"`
	Success     bool                `json:"success"`
	Status      ProposalStatus      `json:"status"`
	Branch      string              `json:"branch,omitempty"`
	IssueNumber *int                `json:"issue_number,omitempty"`
	PRNumber    *int                `json:"pr_number,omitempty"`
	PRURL       string              `json:"pr_url,omitempty"`
	Sanity      *SanityCheckResults `json:"sanity,omitempty"`
	Error       string              `json:"error,omitempty"`
	Duration    time.Duration       `json:"duration"`
}

// FeatureFlag gates a capability behind a percentage rollout.
type FeatureFlag struct {
	Key            string         `json:"key"`
	Description    string         `json:"description"`
	Enabled        bool           `json:"enabled"`
	RolloutPercent int            `json:"rollout_percent"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuditLogEntry is an append-only record of an engine action.
type AuditLogEntry struct {
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit action names.
const (
	AuditCycleStarted     = "cycle.started"
	AuditCycleCompleted   = "cycle.completed"
	AuditCycleFailed      = "cycle.failed"
	AuditProposalSelected = "proposal.selected"
	AuditProposalDeferred = "proposal.deferred"
	AuditImplemented      = "proposal.implemented"
	AuditRejected         = "proposal.rejected"
	AuditFlagChanged      = "feature_flag.changed"
)

// AuditActor is the actor recorded for entries written by the engine itself.
const AuditActor = "omega-evolution"
