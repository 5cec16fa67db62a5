// internal/tracker/github.go
//
// Package tracker opens issues and pull requests on the hosting forge.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omegabot/omega/internal/evolution/models"
)

// Config identifies the repository and credentials used by the tracker.
type Config struct {
	Owner      string
	Repo       string
	Token      string
	BaseBranch string
	// APIURL overrides the GitHub API endpoint, e.g. for GitHub Enterprise.
	APIURL string
	// RequestsPerSecond caps outgoing API calls. Zero means 1 request/s.
	RequestsPerSecond float64
	MaxRetries        uint64
}

// GitHub implements the evolution tracker on top of the GitHub REST API.
type GitHub struct {
	client  *github.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGitHub builds a tracker. A nil httpClient uses http.DefaultClient.
func NewGitHub(logger *zap.Logger, cfg Config, httpClient *http.Client) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	client := github.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.APIURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github api url %q: %w", cfg.APIURL, err)
		}
		client.BaseURL = base
	}

	return &GitHub{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger.Named("tracker"),
	}, nil
}

// OpenIssue creates a tracking issue and returns its number.
func (g *GitHub) OpenIssue(ctx context.Context, spec models.IssueSpec) (int, error) {
	req := &github.IssueRequest{
		Title: github.String(spec.Title),
		Body:  github.String(spec.Body),
	}
	if len(spec.Labels) > 0 {
		labels := append([]string(nil), spec.Labels...)
		req.Labels = &labels
	}

	var issue *github.Issue
	err := g.call(ctx, "create issue", func() error {
		var err error
		issue, _, err = g.client.Issues.Create(ctx, g.cfg.Owner, g.cfg.Repo, req)
		return err
	})
	if err != nil {
		return 0, err
	}

	g.logger.Info("Tracking issue opened.", zap.Int("issue", issue.GetNumber()), zap.String("title", spec.Title))
	return issue.GetNumber(), nil
}

// CloseIssue leaves comment on an issue and closes it as not planned. A
// failed comment is logged; the close itself must succeed.
func (g *GitHub) CloseIssue(ctx context.Context, number int, comment string) error {
	if comment != "" {
		err := g.call(ctx, "comment on issue", func() error {
			_, _, err := g.client.Issues.CreateComment(ctx, g.cfg.Owner, g.cfg.Repo, number,
				&github.IssueComment{Body: github.String(comment)})
			return err
		})
		if err != nil {
			g.logger.Warn("Failed to comment on issue before closing.", zap.Int("issue", number), zap.Error(err))
		}
	}

	err := g.call(ctx, "close issue", func() error {
		_, _, err := g.client.Issues.Edit(ctx, g.cfg.Owner, g.cfg.Repo, number, &github.IssueRequest{
			State:       github.String("closed"),
			StateReason: github.String("not_planned"),
		})
		return err
	})
	if err != nil {
		return err
	}

	g.logger.Info("Tracking issue closed.", zap.Int("issue", number))
	return nil
}

// OpenPullRequest opens a pull request from spec.Head into the base branch,
// then applies labels and requests reviewers. Label and reviewer failures are
// logged but do not fail the call once the pull request exists.
func (g *GitHub) OpenPullRequest(ctx context.Context, spec models.PullRequestSpec) (*models.PullRequest, error) {
	newPR := &github.NewPullRequest{
		Title:               github.String(spec.Title),
		Head:                github.String(spec.Head),
		Base:                github.String(g.cfg.BaseBranch),
		Body:                github.String(spec.Body),
		Draft:               github.Bool(spec.Draft),
		MaintainerCanModify: github.Bool(true),
	}

	var pr *github.PullRequest
	err := g.call(ctx, "create pull request", func() error {
		var err error
		pr, _, err = g.client.PullRequests.Create(ctx, g.cfg.Owner, g.cfg.Repo, newPR)
		return err
	})
	if err != nil {
		// A retried create may fail because an earlier attempt already
		// succeeded behind a server error.
		if !unprocessable(err) {
			return nil, err
		}
		existing, findErr := g.findOpenPullRequest(ctx, spec.Head)
		if findErr != nil {
			g.logger.Warn("Failed to look up existing pull request.", zap.String("head", spec.Head), zap.Error(findErr))
		}
		if existing == nil {
			return nil, err
		}
		g.logger.Info("Pull request already exists for branch; reusing it.",
			zap.String("head", spec.Head), zap.Int("pr", existing.GetNumber()))
		pr = existing
	}
	number := pr.GetNumber()

	if len(spec.Labels) > 0 {
		err := g.call(ctx, "add labels", func() error {
			_, _, err := g.client.Issues.AddLabelsToIssue(ctx, g.cfg.Owner, g.cfg.Repo, number, spec.Labels)
			return err
		})
		if err != nil {
			g.logger.Warn("Failed to label pull request.", zap.Int("pr", number), zap.Error(err))
		}
	}
	if len(spec.Reviewers) > 0 {
		err := g.call(ctx, "request reviewers", func() error {
			_, _, err := g.client.PullRequests.RequestReviewers(ctx, g.cfg.Owner, g.cfg.Repo, number,
				github.ReviewersRequest{Reviewers: spec.Reviewers})
			return err
		})
		if err != nil {
			g.logger.Warn("Failed to request reviewers.", zap.Int("pr", number), zap.Error(err))
		}
	}

	g.logger.Info("Pull request opened.", zap.Int("pr", number), zap.String("url", pr.GetHTMLURL()))
	return &models.PullRequest{Number: number, URL: pr.GetHTMLURL()}, nil
}

// findOpenPullRequest returns the open pull request whose head is branch,
// or nil when there is none.
func (g *GitHub) findOpenPullRequest(ctx context.Context, branch string) (*github.PullRequest, error) {
	var prs []*github.PullRequest
	err := g.call(ctx, "find pull request", func() error {
		var err error
		prs, _, err = g.client.PullRequests.List(ctx, g.cfg.Owner, g.cfg.Repo, &github.PullRequestListOptions{
			State:       "open",
			Head:        g.cfg.Owner + ":" + branch,
			Base:        g.cfg.BaseBranch,
			ListOptions: github.ListOptions{PerPage: 1},
		})
		return err
	})
	if err != nil || len(prs) == 0 {
		return nil, err
	}
	return prs[0], nil
}

// call waits for the rate limiter and retries transient API failures.
func (g *GitHub) call(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute

	operation := func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		g.logger.Warn("GitHub API call failed, retrying...", zap.String("op", op), zap.Error(err))
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, g.cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// retryable reports whether a GitHub API error is worth another attempt.
// Server errors and rate limits are; other client errors are not.
func retryable(err error) bool {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func unprocessable(err error) bool {
	var respErr *github.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil &&
		respErr.Response.StatusCode == http.StatusUnprocessableEntity
}
