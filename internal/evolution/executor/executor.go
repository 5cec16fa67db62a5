package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
	"github.com/omegabot/omega/internal/evolution/sanity"
	"github.com/omegabot/omega/internal/workspace"
)

// Implementer turns a proposal into concrete file changes.
type Implementer interface {
	Draft(ctx context.Context, p models.EvolutionProposal) (*models.ChangeSet, error)
}

// Workspace stages change sets locally and publishes them.
type Workspace interface {
	Stage(ctx context.Context, branch string, cs *models.ChangeSet) (*workspace.Change, error)
	Publish(ctx context.Context, change *workspace.Change, message string) error
	Discard(change *workspace.Change)
}

// Tracker opens issues and pull requests.
type Tracker interface {
	OpenIssue(ctx context.Context, spec models.IssueSpec) (int, error)
	CloseIssue(ctx context.Context, number int, comment string) error
	OpenPullRequest(ctx context.Context, spec models.PullRequestSpec) (*models.PullRequest, error)
}

// Recorder persists the outcome of each attempt.
type Recorder interface {
	UpdateProposalStatus(ctx context.Context, u models.StatusUpdate) error
	InsertSanityCheck(ctx context.Context, proposalID int64, res models.SanityCheckResults) error
	CreateFeatureFlag(ctx context.Context, key, description string, metadata map[string]any) (bool, error)
	InsertAuditLog(ctx context.Context, e models.AuditLogEntry) error
}

// Dependencies are the collaborators of the Actor.
type Dependencies struct {
	Implementer Implementer
	Workspace   Workspace
	Tracker     Tracker
	Recorder    Recorder
}

// Actor implements the ACT stage: every selected proposal is drafted,
// staged, gated by the sanity checker and, when it passes, opened as a pull request.
type Actor struct {
	logger  *zap.Logger
	policy  policy.Policy
	checker *sanity.Checker
	deps    Dependencies

	concurrency int
	newBackOff  func() backoff.BackOff
	now         func() time.Time
}

// Option configures an Actor.
type Option func(*Actor)

// WithConcurrency bounds how many proposals are acted on at once.
func WithConcurrency(n int) Option {
	return func(a *Actor) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithBackOff replaces the retry schedule used for pushes.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(a *Actor) { a.newBackOff = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Actor) { a.now = now }
}

// NewActor builds an Actor for a validated policy.
func NewActor(logger *zap.Logger, pol policy.Policy, deps Dependencies, opts ...Option) (*Actor, error) {
	checker, err := sanity.NewChecker(pol)
	if err != nil {
		return nil, fmt.Errorf("failed to build sanity checker: %w", err)
	}
	a := &Actor{
		logger:      logger.Named("executor"),
		policy:      pol,
		checker:     checker,
		deps:        deps,
		concurrency: 2,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Act processes the selected proposals concurrently and returns one result
// per proposal, in input order. Failures are reported in the results; Act
// itself never fails.
func (a *Actor) Act(ctx context.Context, selected []models.ScoredProposal) []models.ActionResult {
	results := make([]models.ActionResult, len(selected))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i := range selected {
		i := i
		g.Go(func() error {
			results[i] = a.act(ctx, selected[i])
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// attempt carries one proposal through the ACT steps.
type attempt struct {
	proposal models.ScoredProposal
	result   models.ActionResult
	start    time.Time
}

func (a *Actor) act(ctx context.Context, p models.ScoredProposal) models.ActionResult {
	at := &attempt{
		proposal: p,
		start:    a.now(),
		result: models.ActionResult{
			ProposalID: p.ID,
			Title:      p.Title,
			Branch:     BranchName(a.policy.PullRequests.BranchPrefix, p.RunDate, p.Title),
		},
	}
	logger := a.logger.With(zap.Int64("proposal_id", p.ID), zap.String("branch", at.result.Branch))
	logger.Info("Act phase started.", zap.String("title", p.Title))

	if err := a.run(ctx, at, logger); err != nil {
		logger.Warn("Proposal rejected.", zap.Error(err))
		a.finish(ctx, at, models.StatusRejected, err)
		return at.result
	}

	logger.Info("Act phase completed.", zap.Intp("pr_number", at.result.PRNumber))
	a.finish(ctx, at, models.StatusImplemented, nil)
	return at.result
}

func (a *Actor) run(ctx context.Context, at *attempt, logger *zap.Logger) error {
	p := at.proposal
	pr := a.policy.PullRequests

	perm := a.checker.ValidatePermissions(p.Title + "\n" + p.Description)
	if !perm.Passed {
		return fmt.Errorf("permission check failed: %s", perm.Details)
	}

	cs, err := a.deps.Implementer.Draft(ctx, p.EvolutionProposal)
	if err != nil {
		return fmt.Errorf("failed to draft change set: %w", err)
	}

	change, err := a.deps.Workspace.Stage(ctx, at.result.Branch, cs)
	if err != nil {
		return fmt.Errorf("failed to stage change set: %w", err)
	}
	defer a.deps.Workspace.Discard(change)

	checks := a.checker.RunSanityChecks(change.Files, change.Stats)
	at.result.Sanity = &checks
	if err := a.deps.Recorder.InsertSanityCheck(ctx, p.ID, checks); err != nil {
		logger.Error("Failed to persist sanity check results.", zap.Error(err))
	}
	if !checks.OverallPassed {
		return fmt.Errorf("sanity checks failed: %s", failedNames(checks))
	}

	// Only gated changes become public.
	if pr.OpenTrackingIssue {
		n, err := a.deps.Tracker.OpenIssue(ctx, models.IssueSpec{
			Title:  "Evolution: " + p.Title,
			Body:   issueBody(p),
			Labels: a.labels(p),
		})
		if err != nil {
			logger.Warn("Could not open tracking issue; continuing without one.", zap.Error(err))
		} else {
			at.result.IssueNumber = &n
		}
	}

	message := commitMessage(p, cs)
	push := func() error {
		err := a.deps.Workspace.Publish(ctx, change, message)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(push, backoff.WithContext(a.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("failed to publish branch: %w", err)
	}

	opened, err := a.deps.Tracker.OpenPullRequest(ctx, models.PullRequestSpec{
		Title:     p.Title,
		Body:      pullRequestBody(p, cs, checks, change.Stats, at.result.IssueNumber),
		Head:      at.result.Branch,
		Labels:    a.labels(p),
		Reviewers: pr.Reviewers,
		Draft:     pr.Draft,
	})
	if err != nil {
		return fmt.Errorf("failed to open pull request: %w", err)
	}
	number := opened.Number
	at.result.PRNumber = &number
	at.result.PRURL = opened.URL
	return nil
}

// finish records the terminal status, the rollout flag and the audit entry.
func (a *Actor) finish(ctx context.Context, at *attempt, status models.ProposalStatus, cause error) {
	p := at.proposal
	at.result.Status = status
	at.result.Success = status == models.StatusImplemented
	at.result.Duration = a.now().Sub(at.start)
	if cause != nil {
		at.result.Error = cause.Error()
	}

	update := models.StatusUpdate{
		ID:          p.ID,
		From:        models.StatusSelected,
		To:          status,
		IssueNumber: at.result.IssueNumber,
		PRNumber:    at.result.PRNumber,
		Branch:      at.result.Branch,
	}
	if err := a.deps.Recorder.UpdateProposalStatus(ctx, update); err != nil {
		a.logger.Error("Failed to record proposal status.", zap.Int64("proposal_id", p.ID), zap.Error(err))
		if at.result.Error == "" {
			at.result.Error = err.Error()
		}
	}

	details := map[string]any{
		"proposal_id": p.ID,
		"title":       p.Title,
		"type":        string(p.Type),
		"branch":      at.result.Branch,
		"duration_ms": at.result.Duration.Milliseconds(),
	}
	action := models.AuditRejected
	if at.result.Success {
		action = models.AuditImplemented
		details["pr_number"] = *at.result.PRNumber
		details["pr_url"] = at.result.PRURL

		key := FlagKey(p.Title)
		details["feature_flag"] = key
		meta := map[string]any{"proposal_id": p.ID, "pr_number": *at.result.PRNumber, "type": string(p.Type)}
		if _, err := a.deps.Recorder.CreateFeatureFlag(ctx, key, p.Title, meta); err != nil {
			a.logger.Error("Failed to create rollout flag.", zap.String("key", key), zap.Error(err))
		}
	} else {
		details["reason"] = at.result.Error
		a.closeIssue(ctx, at)
	}
	if at.result.IssueNumber != nil {
		details["issue_number"] = *at.result.IssueNumber
	}
	if at.result.Sanity != nil {
		details["sanity_passed"] = at.result.Sanity.OverallPassed
		details["sanity_score"] = at.result.Sanity.OverallScore
	}

	entry := models.AuditLogEntry{Action: action, Actor: models.AuditActor, Details: details, CreatedAt: a.now().UTC()}
	if err := a.deps.Recorder.InsertAuditLog(ctx, entry); err != nil {
		a.logger.Error("Failed to write audit entry.", zap.String("action", action), zap.Error(err))
	}
}

// closeIssue closes the tracking issue of a rejected attempt so that no
// public issue outlives it.
func (a *Actor) closeIssue(ctx context.Context, at *attempt) {
	if at.result.IssueNumber == nil {
		return
	}
	n := *at.result.IssueNumber
	comment := fmt.Sprintf("Closing: this evolution proposal was rejected and no pull request will be opened.\n\nReason: %s", at.result.Error)
	if err := a.deps.Tracker.CloseIssue(context.WithoutCancel(ctx), n, comment); err != nil {
		a.logger.Error("Failed to close tracking issue of rejected proposal.", zap.Int("issue", n), zap.Error(err))
	}
}

func (a *Actor) labels(p models.ScoredProposal) []string {
	labels := append([]string(nil), a.policy.PullRequests.Labels...)
	return append(labels, "evolution:"+string(p.Type), "risk:"+string(p.RiskLevel))
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 48

// Slug converts a title to a lowercase, dash-separated identifier.
func Slug(title string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		s = "change"
	}
	return s
}

// BranchName is prefix + run date + slug, e.g. omega/evolution/2024-01-15-add-a-tool.
func BranchName(prefix string, runDate time.Time, title string) string {
	return prefix + runDate.UTC().Format("2006-01-02") + "-" + Slug(title)
}

// FlagKey is the rollout flag created for an implemented proposal.
func FlagKey(title string) string {
	return "evo_" + strings.ReplaceAll(Slug(title), "-", "_")
}

func failedNames(res models.SanityCheckResults) string {
	failed := res.Failed()
	names := make([]string, 0, len(failed))
	for _, c := range failed {
		names = append(names, fmt.Sprintf("%s (%s)", c.Name, c.Details))
	}
	return strings.Join(names, "; ")
}
