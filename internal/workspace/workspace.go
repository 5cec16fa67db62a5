// internal/workspace/workspace.go
//
// Package workspace stages change sets in an isolated clone of the bot
// repository. Nothing leaves the clone until Publish is called.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/models"
)

// ErrNoChanges is returned when a change set leaves the tree unchanged.
var ErrNoChanges = errors.New("change set produced no changes")

// Config describes the repository to work against.
type Config struct {
	RemoteURL   string
	BaseBranch  string
	Token       string
	AuthorName  string
	AuthorEmail string
	// TempDir is the parent of per-change clones. Empty means the OS default.
	TempDir string
}

// Opener produces a repository in dir checked out at the base branch.
type Opener func(ctx context.Context, dir string) (*git.Repository, error)

// Manager creates and publishes staged changes.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	open   Opener
}

// New creates a Manager that clones cfg.RemoteURL for every change.
func New(logger *zap.Logger, cfg Config) *Manager {
	m := &Manager{
		logger: logger.Named("workspace"),
		cfg:    cfg,
	}
	m.open = m.clone
	return m
}

// NewWithOpener creates a Manager that obtains repositories from open.
func NewWithOpener(logger *zap.Logger, cfg Config, open Opener) *Manager {
	m := New(logger, cfg)
	m.open = open
	return m
}

// Change is a change set applied to a local branch but not yet committed.
type Change struct {
	Branch string
	Files  []string
	Stats  models.DiffStats

	dir    string
	repo   *git.Repository
	commit plumbing.Hash
}

// Dir is the working directory of the clone.
func (c *Change) Dir() string { return c.dir }

func (m *Manager) auth() *githttp.BasicAuth {
	if m.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: m.cfg.Token}
}

func (m *Manager) clone(ctx context.Context, dir string) (*git.Repository, error) {
	opts := &git.CloneOptions{
		URL:           m.cfg.RemoteURL,
		ReferenceName: plumbing.NewBranchReferenceName(m.cfg.BaseBranch),
		SingleBranch:  true,
	}
	if auth := m.auth(); auth != nil {
		opts.Auth = auth
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", m.cfg.RemoteURL, err)
	}
	return repo, nil
}

// Stage clones the repository, creates branch, and applies the change set
// to the worktree. The returned Change must be released with Discard.
func (m *Manager) Stage(ctx context.Context, branch string, cs *models.ChangeSet) (*Change, error) {
	if cs == nil || len(cs.Files) == 0 {
		return nil, fmt.Errorf("cannot stage an empty change set")
	}
	for _, f := range cs.Files {
		if err := ValidatePath(f.Path); err != nil {
			return nil, err
		}
	}

	dir, err := os.MkdirTemp(m.cfg.TempDir, "omega-evolution-")
	if err != nil {
		return nil, fmt.Errorf("could not create temp dir: %w", err)
	}
	change := &Change{Branch: branch, dir: dir}

	if err := m.stage(ctx, change, cs); err != nil {
		m.Discard(change)
		return nil, err
	}

	m.logger.Info("Change staged.",
		zap.String("branch", branch),
		zap.Int("files", len(change.Files)),
		zap.Int("additions", change.Stats.Additions),
		zap.Int("deletions", change.Stats.Deletions),
	)
	return change, nil
}

func (m *Manager) stage(ctx context.Context, change *Change, cs *models.ChangeSet) error {
	repo, err := m.open(ctx, change.dir)
	if err != nil {
		return err
	}
	change.repo = repo

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(change.Branch),
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w", change.Branch, err)
	}

	for _, f := range cs.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := filepath.ToSlash(filepath.Clean(f.Path))
		full := filepath.Join(change.dir, filepath.FromSlash(rel))

		before, err := readIfExists(full)
		if err != nil {
			return err
		}

		if f.Delete {
			if before == nil {
				continue
			}
			if _, err := wt.Remove(rel); err != nil {
				return fmt.Errorf("failed to remove %s: %w", rel, err)
			}
			change.Stats.Deletions += countLines(string(before))
		} else {
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", rel, err)
			}
			if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", rel, err)
			}
			if _, err := wt.Add(rel); err != nil {
				return fmt.Errorf("failed to stage %s: %w", rel, err)
			}
			add, del := lineDiff(string(before), f.Content)
			change.Stats.Additions += add
			change.Stats.Deletions += del
		}
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %w", err)
	}
	if status.IsClean() {
		return ErrNoChanges
	}
	for path := range status {
		change.Files = append(change.Files, path)
	}
	sort.Strings(change.Files)
	return nil
}

// Commit records the staged change on its branch.
func (m *Manager) Commit(change *Change, message string) (plumbing.Hash, error) {
	wt, err := change.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  m.cfg.AuthorName,
			Email: m.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to commit on %s: %w", change.Branch, err)
	}
	return hash, nil
}

// Publish commits the change and pushes its branch to origin. A change is
// committed at most once, so Publish may be retried after a failed push.
func (m *Manager) Publish(ctx context.Context, change *Change, message string) error {
	if change.commit.IsZero() {
		hash, err := m.Commit(change, message)
		if err != nil {
			return err
		}
		change.commit = hash
	}
	hash := change.commit

	ref := plumbing.NewBranchReferenceName(change.Branch)
	opts := &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))},
	}
	if auth := m.auth(); auth != nil {
		opts.Auth = auth
	}
	if err := change.repo.PushContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", change.Branch, err)
	}

	m.logger.Info("Branch published.", zap.String("branch", change.Branch), zap.String("commit", hash.String()))
	return nil
}

// Discard removes the clone from disk.
func (m *Manager) Discard(change *Change) {
	if change == nil || change.dir == "" {
		return
	}
	if err := os.RemoveAll(change.dir); err != nil {
		m.logger.Error("Failed to clean up temporary workspace.", zap.String("dir", change.dir), zap.Error(err))
		return
	}
	m.logger.Debug("Temporary workspace cleaned up.", zap.String("dir", change.dir))
}

// ValidatePath rejects absolute paths and paths that escape the repository.
func ValidatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("empty file path")
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path not allowed: %s", p)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal attempt detected: %s", p)
	}
	if first := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]; first == ".git" {
		return fmt.Errorf("writes inside .git are not allowed: %s", p)
	}
	return nil
}

func readIfExists(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return b, nil
}

// lineDiff counts added and removed lines between two file versions.
func lineDiff(before, after string) (additions, deletions int) {
	for _, d := range diff.Do(before, after) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
