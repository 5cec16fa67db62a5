// internal/workspace/workspace_test.go
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omegabot/omega/internal/evolution/models"
)

const seedPath = "apps/bot/src/tools/existing.ts"
const seedContent = "export const a = 1;\nexport const b = 2;\nexport const c = 3;\n"

// seededOpener initializes a repository with one committed file instead of cloning.
func seededOpener(t *testing.T) Opener {
	t.Helper()
	return func(ctx context.Context, dir string) (*git.Repository, error) {
		repo, err := git.PlainInit(dir, false)
		if err != nil {
			return nil, err
		}
		full := filepath.Join(dir, filepath.FromSlash(seedPath))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(seedContent), 0o644); err != nil {
			return nil, err
		}
		wt, err := repo.Worktree()
		if err != nil {
			return nil, err
		}
		if _, err := wt.Add(seedPath); err != nil {
			return nil, err
		}
		_, err = wt.Commit("seed", &git.CommitOptions{
			Author: &object.Signature{Name: "seed", Email: "seed@example.com", When: time.Now()},
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := Config{
		BaseBranch:  "main",
		AuthorName:  "Omega",
		AuthorEmail: "omega@example.com",
		TempDir:     t.TempDir(),
	}
	return NewWithOpener(zaptest.NewLogger(t), cfg, seededOpener(t))
}

func TestStage(t *testing.T) {
	ctx := context.Background()

	t.Run("AddsAndModifiesFiles", func(t *testing.T) {
		m := newTestManager(t)
		cs := &models.ChangeSet{
			Summary: "add a tool",
			Files: []models.FileChange{
				{Path: "apps/bot/src/tools/weather.ts", Content: "line one\nline two\n"},
				{Path: seedPath, Content: "export const a = 1;\nexport const b = 20;\nexport const c = 3;\n"},
			},
		}

		change, err := m.Stage(ctx, "omega/evolution/2024-01-15-weather", cs)
		require.NoError(t, err)
		defer m.Discard(change)

		assert.Equal(t, []string{seedPath, "apps/bot/src/tools/weather.ts"}, change.Files)
		assert.Equal(t, 3, change.Stats.Additions)
		assert.Equal(t, 1, change.Stats.Deletions)
		assert.Equal(t, 4, change.Stats.Lines())

		written, err := os.ReadFile(filepath.Join(change.Dir(), "apps", "bot", "src", "tools", "weather.ts"))
		require.NoError(t, err)
		assert.Equal(t, "line one\nline two\n", string(written))
	})

	t.Run("DeleteCountsRemovedLines", func(t *testing.T) {
		m := newTestManager(t)
		cs := &models.ChangeSet{Files: []models.FileChange{{Path: seedPath, Delete: true}}}

		change, err := m.Stage(ctx, "omega/evolution/2024-01-15-cleanup", cs)
		require.NoError(t, err)
		defer m.Discard(change)

		assert.Equal(t, []string{seedPath}, change.Files)
		assert.Equal(t, 0, change.Stats.Additions)
		assert.Equal(t, 3, change.Stats.Deletions)
		_, statErr := os.Stat(filepath.Join(change.Dir(), filepath.FromSlash(seedPath)))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("IdenticalContentIsNoChange", func(t *testing.T) {
		m := newTestManager(t)
		cs := &models.ChangeSet{Files: []models.FileChange{{Path: seedPath, Content: seedContent}}}

		change, err := m.Stage(ctx, "omega/evolution/2024-01-15-noop", cs)
		assert.ErrorIs(t, err, ErrNoChanges)
		assert.Nil(t, change)
	})

	t.Run("RejectsUnsafePaths", func(t *testing.T) {
		m := newTestManager(t)
		for _, p := range []string{"../outside.ts", "/etc/passwd", ".git/config", ""} {
			cs := &models.ChangeSet{Files: []models.FileChange{{Path: p, Content: "x"}}}
			_, err := m.Stage(ctx, "omega/evolution/bad", cs)
			assert.Error(t, err, "path %q should be rejected", p)
		}
	})

	t.Run("EmptyChangeSet", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Stage(ctx, "omega/evolution/empty", &models.ChangeSet{})
		assert.Error(t, err)
	})
}

func TestCommit(t *testing.T) {
	m := newTestManager(t)
	branch := "omega/evolution/2024-01-15-docs"
	cs := &models.ChangeSet{Files: []models.FileChange{{Path: "docs/notes.md", Content: "# Notes\n"}}}

	change, err := m.Stage(context.Background(), branch, cs)
	require.NoError(t, err)
	defer m.Discard(change)

	hash, err := m.Commit(change, "evolution: add notes")
	require.NoError(t, err)
	assert.NotEqual(t, plumbing.ZeroHash, hash)

	head, err := change.repo.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName(branch), head.Name())
	assert.Equal(t, hash, head.Hash())

	commit, err := change.repo.CommitObject(hash)
	require.NoError(t, err)
	assert.Equal(t, "Omega", commit.Author.Name)
	assert.Equal(t, "evolution: add notes", commit.Message)
}

func TestDiscard(t *testing.T) {
	m := newTestManager(t)
	cs := &models.ChangeSet{Files: []models.FileChange{{Path: "docs/a.md", Content: "a\n"}}}

	change, err := m.Stage(context.Background(), "omega/evolution/discard", cs)
	require.NoError(t, err)
	dir := change.Dir()

	m.Discard(change)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	// Safe on nil.
	m.Discard(nil)
}

func TestValidatePath(t *testing.T) {
	valid := []string{"docs/a.md", "apps/bot/src/tools/x.ts", "./docs/b.md", ".github/CODEOWNERS"}
	for _, p := range valid {
		assert.NoError(t, ValidatePath(p), p)
	}
	invalid := []string{"../x", "docs/../../x", "/etc/passwd", ".git/config", ".git", "  "}
	for _, p := range invalid {
		assert.Error(t, ValidatePath(p), p)
	}
}

func TestLineDiff(t *testing.T) {
	add, del := lineDiff("", "a\nb\n")
	assert.Equal(t, 2, add)
	assert.Equal(t, 0, del)

	add, del = lineDiff("a\nb\nc\n", "a\nc\n")
	assert.Equal(t, 0, add)
	assert.Equal(t, 1, del)

	assert.Equal(t, 0, countLines(""))
	assert.Equal(t, 1, countLines("no newline"))
	assert.Equal(t, 2, countLines("a\nb"))
}
