// internal/evolution/models/proposal.go
package models

import (
	"errors"
	"fmt"
	"time"
)

// ProposalType classifies an evolution proposal.
type ProposalType string

const (
	ProposalCapability   ProposalType = "capability"
	ProposalAnticipatory ProposalType = "anticipatory"
	ProposalWildcard     ProposalType = "wildcard"
	ProposalOther        ProposalType = "other"
)

// QuotaTypes are the proposal types with a daily minimum, in reporting order.
var QuotaTypes = []ProposalType{ProposalCapability, ProposalAnticipatory, ProposalWildcard}

// RiskLevel is the coarse risk bucket derived from a proposal's risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ProposalStatus tracks a proposal through the pipeline.
type ProposalStatus string

const (
	StatusProposed    ProposalStatus = "proposed"
	StatusSelected    ProposalStatus = "selected"
	StatusDeferred    ProposalStatus = "deferred"
	StatusImplemented ProposalStatus = "implemented"
	StatusRejected    ProposalStatus = "rejected"
)

// ErrInvalidTransition is returned when a status change would move a proposal backwards.
var ErrInvalidTransition = errors.New("invalid proposal status transition")

var allowedTransitions = map[ProposalStatus][]ProposalStatus{
	StatusProposed: {StatusSelected, StatusDeferred},
	StatusSelected: {StatusImplemented, StatusRejected},
}

// CanTransition reports whether a proposal may move from s to next.
func (s ProposalStatus) CanTransition(next ProposalStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s ProposalStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// EvolutionProposal is a candidate self-modification.
type EvolutionProposal struct {
	ID             int64              `json:"id"`
	RunDate        time.Time          `json:"run_date"`
	Type           ProposalType       `json:"proposal_type"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	Rationale      string             `json:"rationale,omitempty"`
	Signals        []string           `json:"signals,omitempty"`
	RiskLevel      RiskLevel          `json:"risk_level"`
	ExpectedImpact map[string]float64 `json:"expected_impact"`
	Status         ProposalStatus     `json:"status"`
	IssueNumber    *int               `json:"issue_number,omitempty"`
	PRNumber       *int               `json:"pr_number,omitempty"`
	BranchName     string             `json:"branch_name,omitempty"`
}

// Transition moves the proposal to next, refusing backward or sideways moves.
func (p *EvolutionProposal) Transition(next ProposalStatus) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	p.Status = next
	return nil
}

// ScoredProposal is a proposal annotated with its scores. All scores are in [0,1].
type ScoredProposal struct {
	EvolutionProposal
	ImpactScore  float64 `json:"impact_score"`
	EffortScore  float64 `json:"effort_score"`
	RiskScore    float64 `json:"risk_score"`
	NoveltyScore float64 `json:"novelty_score"`
	TotalScore   float64 `json:"total_score"`
}

// DecisionResult is the Decide stage's split of scored proposals.
type DecisionResult struct {
	Selected          []ScoredProposal `json:"selected"`
	Deferred          []ScoredProposal `json:"deferred"`
	Reason            string           `json:"reason"`
	MeetsRequirements bool             `json:"meets_requirements"`
}

// StatusUpdate moves a stored proposal from one status to the next and
// records any tracker references produced along the way.
type StatusUpdate struct {
	ID          int64
	From        ProposalStatus
	To          ProposalStatus
	IssueNumber *int
	PRNumber    *int
	Branch      string
}
