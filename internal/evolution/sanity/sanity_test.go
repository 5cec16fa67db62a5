// internal/evolution/sanity/sanity_test.go
package sanity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
)

func newTestChecker(t *testing.T, mutate func(p *policy.Policy)) *Checker {
	t.Helper()
	p := policy.Default()
	if mutate != nil {
		mutate(&p)
	}
	c, err := NewChecker(p)
	require.NoError(t, err)
	return c
}

func checkByName(t *testing.T, r models.SanityCheckResults, name string) models.CheckResult {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found", name)
	return models.CheckResult{}
}

func TestRunSanityChecks_AllowedPathPasses(t *testing.T) {
	c := newTestChecker(t, func(p *policy.Policy) {
		p.Paths.Allowed = []string{"apps/bot/src/tools/"}
	})

	res := c.RunSanityChecks([]string{"apps/bot/src/tools/foo.ts"}, models.DiffStats{Additions: 10})

	allowed := checkByName(t, res, CheckAllowedPaths)
	assert.True(t, allowed.Passed)
	assert.Equal(t, 100.0, allowed.Score)
	assert.True(t, res.OverallPassed)
	assert.Equal(t, 100.0, res.OverallScore)
}

func TestRunSanityChecks_OutsideAllowedFails(t *testing.T) {
	c := newTestChecker(t, nil)

	res := c.RunSanityChecks([]string{"apps/bot/src/tools/ok.ts", "apps/web/page.tsx"}, models.DiffStats{})

	allowed := checkByName(t, res, CheckAllowedPaths)
	assert.False(t, allowed.Passed)
	assert.Equal(t, 0.0, allowed.Score)
	assert.Contains(t, allowed.Details, "apps/web/page.tsx")
	assert.NotContains(t, allowed.Details, "ok.ts")
	assert.False(t, res.OverallPassed)
}

func TestRunSanityChecks_BlockedEnvFile(t *testing.T) {
	c := newTestChecker(t, nil)

	res := c.RunSanityChecks([]string{".env"}, models.DiffStats{Additions: 1})

	blocked := checkByName(t, res, CheckBlockedPaths)
	assert.False(t, blocked.Passed)
	assert.Equal(t, 0.0, blocked.Score)
	assert.False(t, res.OverallPassed)
}

func TestRunSanityChecks_BlockedGlobInsideAllowedTree(t *testing.T) {
	c := newTestChecker(t, nil)

	res := c.RunSanityChecks([]string{"docs/certs/server.pem"}, models.DiffStats{Additions: 3})

	assert.True(t, checkByName(t, res, CheckAllowedPaths).Passed)
	assert.False(t, checkByName(t, res, CheckBlockedPaths).Passed)
	assert.False(t, res.OverallPassed)
}

func TestRunSanityChecks_DiffSizeDegradesLinearly(t *testing.T) {
	c := newTestChecker(t, nil) // max_diff_lines = 500

	res := c.RunSanityChecks([]string{"docs/a.md"}, models.DiffStats{Additions: 600})
	diff := checkByName(t, res, CheckDiffSize)
	assert.False(t, diff.Passed)
	assert.Less(t, diff.Score, 100.0)
	assert.GreaterOrEqual(t, diff.Score, 0.0)
	assert.InDelta(t, 80.0, diff.Score, 1e-9)

	res = c.RunSanityChecks([]string{"docs/a.md"}, models.DiffStats{Additions: 900, Deletions: 900})
	assert.Equal(t, 0.0, checkByName(t, res, CheckDiffSize).Score, "score is floored at zero")

	res = c.RunSanityChecks([]string{"docs/a.md"}, models.DiffStats{Additions: 250, Deletions: 250})
	assert.True(t, checkByName(t, res, CheckDiffSize).Passed, "exactly at the limit passes")
}

func TestRunSanityChecks_FileCount(t *testing.T) {
	c := newTestChecker(t, func(p *policy.Policy) { p.Limits.MaxFilesChanged = 2 })

	res := c.RunSanityChecks([]string{"docs/a.md", "docs/b.md", "docs/c.md"}, models.DiffStats{Additions: 3})
	count := checkByName(t, res, CheckFileCount)
	assert.False(t, count.Passed)
	assert.InDelta(t, 50.0, count.Score, 1e-9)
	assert.InDelta(t, (100.0+100.0+100.0+50.0)/4, res.OverallScore, 1e-9)
}

func TestRunSanityChecks_OrderAndEmptyInput(t *testing.T) {
	c := newTestChecker(t, nil)
	res := c.RunSanityChecks(nil, models.DiffStats{})

	require.Len(t, res.Checks, 4)
	names := []string{res.Checks[0].Name, res.Checks[1].Name, res.Checks[2].Name, res.Checks[3].Name}
	assert.Equal(t, []string{CheckAllowedPaths, CheckBlockedPaths, CheckDiffSize, CheckFileCount}, names)
	assert.True(t, res.OverallPassed)
}

func TestRunSanityChecks_Idempotent(t *testing.T) {
	c := newTestChecker(t, nil)
	files := []string{"apps/bot/src/lib/x.ts", ".github/workflows/ci.yml", "README.md"}
	stats := models.DiffStats{Additions: 420, Deletions: 200}

	first := c.RunSanityChecks(files, stats)
	second := c.RunSanityChecks(files, stats)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("RunSanityChecks not idempotent (-first +second):\n%s", diff)
	}
	assert.Equal(t, []string{"apps/bot/src/lib/x.ts", ".github/workflows/ci.yml", "README.md"}, files, "input must not be mutated")
}

func TestRunSanityChecks_OverallPassedIsConjunction(t *testing.T) {
	c := newTestChecker(t, nil)
	inputs := [][]string{
		{"docs/a.md"},
		{".env"},
		{"apps/web/x.ts"},
		{"apps/bot/src/evolution/decider.ts"},
	}
	for _, files := range inputs {
		res := c.RunSanityChecks(files, models.DiffStats{Additions: 1})
		all := true
		for _, ch := range res.Checks {
			all = all && ch.Passed
		}
		assert.Equal(t, all, res.OverallPassed, "files=%v", files)
	}
}

func TestValidatePermissions(t *testing.T) {
	c := newTestChecker(t, nil)

	tests := []struct {
		op     string
		passed bool
	}{
		{"Open pull request for new weather tool", true},
		{"Migration that will DROP TABLE users", false},
		{"delete database backups", false},
		{"Modify Secrets for the deploy key", false},
		{"change deployment replicas", false},
		{"tune prompt wording", true},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			res := c.ValidatePermissions(tt.op)
			assert.Equal(t, CheckPermissions, res.Name)
			assert.Equal(t, tt.passed, res.Passed)
			if tt.passed {
				assert.Equal(t, 100.0, res.Score)
			} else {
				assert.Equal(t, 0.0, res.Score)
			}
		})
	}
}
