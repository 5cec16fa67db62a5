// internal/evolution/sanity/sanity.go
//
// Package sanity implements the pre-push safety gate. A change that fails any
// check is vetoed; nothing here returns an error for a failed check because a
// veto is an ordinary outcome.
package sanity

import (
	"fmt"
	"math"
	"strings"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
)

// Check names, in evaluation order.
const (
	CheckAllowedPaths = "Allowed Paths"
	CheckBlockedPaths = "Blocked Paths"
	CheckDiffSize     = "Diff Size"
	CheckFileCount    = "File Count"
	CheckPermissions  = "Permissions"
)

const fullScore = 100.0

// Checker evaluates staged changes against the path and size policy.
// It is safe for concurrent use.
type Checker struct {
	allowed   []matcher
	blocked   []matcher
	limits    policy.Limits
	forbidden []string
}

// NewChecker compiles the path patterns of p.
func NewChecker(p policy.Policy) (*Checker, error) {
	c := &Checker{
		limits:    p.Limits,
		forbidden: make([]string, 0, len(p.ForbiddenOperations)),
	}

	for _, pattern := range p.Paths.Allowed {
		re, err := GlobToRegexp(pattern)
		if err != nil {
			return nil, fmt.Errorf("allowed path: %w", err)
		}
		c.allowed = append(c.allowed, matcher{pattern: pattern, re: re})
	}

	for _, pattern := range p.Paths.Blocked {
		m := matcher{pattern: pattern}
		if strings.Contains(pattern, "*") {
			re, err := GlobToRegexp(pattern)
			if err != nil {
				return nil, fmt.Errorf("blocked path: %w", err)
			}
			m.re = re
		}
		c.blocked = append(c.blocked, m)
	}

	for _, phrase := range p.ForbiddenOperations {
		c.forbidden = append(c.forbidden, strings.ToLower(phrase))
	}
	return c, nil
}

// RunSanityChecks evaluates the four path and size checks. The result depends
// only on its inputs.
func (c *Checker) RunSanityChecks(changedFiles []string, stats models.DiffStats) models.SanityCheckResults {
	files := make([]string, len(changedFiles))
	for i, f := range changedFiles {
		files[i] = normalizePath(f)
	}

	checks := []models.CheckResult{
		c.checkAllowedPaths(files),
		c.checkBlockedPaths(files),
		limitCheck(CheckDiffSize, "changed lines", stats.Lines(), c.limits.MaxDiffLines),
		limitCheck(CheckFileCount, "changed files", len(files), c.limits.MaxFilesChanged),
	}

	results := models.SanityCheckResults{Checks: checks, OverallPassed: true}
	total := 0.0
	for _, check := range checks {
		results.OverallPassed = results.OverallPassed && check.Passed
		total += check.Score
	}
	results.OverallScore = total / float64(len(checks))
	return results
}

// ValidatePermissions vetoes an operation whose description names a forbidden action.
func (c *Checker) ValidatePermissions(operation string) models.CheckResult {
	lower := strings.ToLower(operation)
	for _, phrase := range c.forbidden {
		if strings.Contains(lower, phrase) {
			return models.CheckResult{
				Name:    CheckPermissions,
				Passed:  false,
				Details: fmt.Sprintf("operation contains forbidden phrase %q", phrase),
				Score:   0,
			}
		}
	}
	return models.CheckResult{Name: CheckPermissions, Passed: true, Details: "no forbidden operations", Score: fullScore}
}

func (c *Checker) checkAllowedPaths(files []string) models.CheckResult {
	var outside []string
	for _, f := range files {
		if !anyMatch(c.allowed, f) {
			outside = append(outside, f)
		}
	}
	if len(outside) > 0 {
		return models.CheckResult{
			Name:    CheckAllowedPaths,
			Details: "files outside allowed paths: " + strings.Join(outside, ", "),
		}
	}
	return models.CheckResult{Name: CheckAllowedPaths, Passed: true, Details: "all files in allowed paths", Score: fullScore}
}

func (c *Checker) checkBlockedPaths(files []string) models.CheckResult {
	var hits []string
	for _, f := range files {
		for _, m := range c.blocked {
			if m.match(f) {
				hits = append(hits, fmt.Sprintf("%s (%s)", f, m.pattern))
				break
			}
		}
	}
	if len(hits) > 0 {
		return models.CheckResult{
			Name:    CheckBlockedPaths,
			Details: "blocked files touched: " + strings.Join(hits, ", "),
		}
	}
	return models.CheckResult{Name: CheckBlockedPaths, Passed: true, Details: "no blocked files touched", Score: fullScore}
}

// limitCheck passes at or under the limit. Over it, the score falls linearly
// with the overage and reaches 0 at twice the limit.
func limitCheck(name, unit string, actual, limit int) models.CheckResult {
	if actual <= limit {
		return models.CheckResult{
			Name:    name,
			Passed:  true,
			Details: fmt.Sprintf("%d %s (limit %d)", actual, unit, limit),
			Score:   fullScore,
		}
	}
	overage := float64(actual - limit)
	score := math.Max(0, fullScore*(1-overage/float64(limit)))
	return models.CheckResult{
		Name:    name,
		Passed:  false,
		Details: fmt.Sprintf("%d %s exceeds limit %d", actual, unit, limit),
		Score:   score,
	}
}

func anyMatch(ms []matcher, path string) bool {
	for _, m := range ms {
		if m.match(path) {
			return true
		}
	}
	return false
}
