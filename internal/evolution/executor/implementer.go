package executor

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omegabot/omega/api/schemas"
	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
	"github.com/omegabot/omega/internal/llmutil"
)

// LLMImplementer asks the powerful model tier to write the change set for a proposal.
type LLMImplementer struct {
	logger  *zap.Logger
	client  schemas.LLMClient
	policy  policy.Policy
	timeout time.Duration
}

// NewLLMImplementer initializes an LLM-backed Implementer.
func NewLLMImplementer(logger *zap.Logger, client schemas.LLMClient, pol policy.Policy) *LLMImplementer {
	return &LLMImplementer{
		logger:  logger.Named("implementer"),
		client:  client,
		policy:  pol,
		timeout: 5 * time.Minute,
	}
}

// Draft generates and validates a change set. The sanity checker still has
// the final say; this only rejects responses that cannot be staged at all.
func (i *LLMImplementer) Draft(ctx context.Context, p models.EvolutionProposal) (*models.ChangeSet, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: i.systemPrompt(),
		UserPrompt:   proposalPrompt(p),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.2,
		},
	}

	genCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	response, err := i.client.Generate(genCtx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM generation failed: %w", err)
	}

	cs, err := llmutil.ParseJSONResponse[models.ChangeSet](response)
	if err != nil {
		i.logger.Error("Failed to parse LLM change set.", zap.String("title", p.Title), zap.Error(err))
		return nil, err
	}
	if err := validateChangeSet(cs); err != nil {
		return nil, err
	}
	if cs.Summary == "" {
		cs.Summary = p.Description
	}

	i.logger.Info("Change set drafted.", zap.String("title", p.Title), zap.Int("files", len(cs.Files)))
	return cs, nil
}

func (i *LLMImplementer) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You implement small, reviewable improvements to the Omega Discord bot.
You receive one evolution proposal and must produce the complete contents of every file you add or change.
**Output Requirements (Strict JSON Format):**
Respond ONLY with a JSON object:
{"summary": "<one paragraph for the pull request>", "files": [{"path": "<repo-relative path>", "content": "<full file content>"}]}
Use {"path": "...", "delete": true} to remove a file.
**Constraints:**
`)
	fmt.Fprintf(&b, "- Change at most %d files and %d lines in total.\n", i.policy.Limits.MaxFilesChanged, i.policy.Limits.MaxDiffLines)
	fmt.Fprintf(&b, "- Only touch paths matching: %s\n", strings.Join(i.policy.Paths.Allowed, ", "))
	fmt.Fprintf(&b, "- Never touch: %s\n", strings.Join(i.policy.Paths.Blocked, ", "))
	b.WriteString("- Prefer adding tests next to the code you change.\n- Do not include secrets, credentials or deployment changes.")
	return b.String()
}

func proposalPrompt(p models.EvolutionProposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PROPOSAL (%s, risk %s)\nTitle: %s\n\n%s\n", p.Type, p.RiskLevel, p.Title, p.Description)
	if p.Rationale != "" {
		fmt.Fprintf(&b, "\nRationale: %s\n", p.Rationale)
	}
	if len(p.Signals) > 0 {
		b.WriteString("\nObserved signals:\n")
		for _, s := range p.Signals {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}

func validateChangeSet(cs *models.ChangeSet) error {
	if len(cs.Files) == 0 {
		return fmt.Errorf("change set contains no files")
	}
	seen := make(map[string]struct{}, len(cs.Files))
	for _, f := range cs.Files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("change set contains a file without a path")
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("change set lists %q more than once", f.Path)
		}
		seen[f.Path] = struct{}{}
		if !f.Delete && f.Content == "" {
			return fmt.Errorf("change set file %q has no content", f.Path)
		}
	}
	return nil
}

// ScaffoldImplementer writes a design note for the proposal instead of code.
// It is used when no LLM is configured, so every selected proposal still
// reaches a reviewer as a pull request.
type ScaffoldImplementer struct {
	dir string
}

// NewScaffoldImplementer writes notes below dir, e.g. "docs/evolution".
func NewScaffoldImplementer(dir string) *ScaffoldImplementer {
	return &ScaffoldImplementer{dir: strings.TrimSuffix(dir, "/")}
}

// Draft renders the proposal as a markdown note.
func (s *ScaffoldImplementer) Draft(_ context.Context, p models.EvolutionProposal) (*models.ChangeSet, error) {
	name := fmt.Sprintf("%s-%s.md", p.RunDate.UTC().Format("2006-01-02"), Slug(p.Title))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	fmt.Fprintf(&b, "- Type: %s\n- Risk: %s\n- Run date: %s\n\n", p.Type, p.RiskLevel, p.RunDate.UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "## Proposal\n\n%s\n", p.Description)
	if p.Rationale != "" {
		fmt.Fprintf(&b, "\n## Rationale\n\n%s\n", p.Rationale)
	}
	if len(p.Signals) > 0 {
		b.WriteString("\n## Signals\n\n")
		for _, sig := range p.Signals {
			fmt.Fprintf(&b, "- %s\n", sig)
		}
	}
	b.WriteString("\n## Next steps\n\n- [ ] Implement behind the rollout flag `" + FlagKey(p.Title) + "`.\n")

	return &models.ChangeSet{
		Summary: "Design note for: " + p.Title,
		Files:   []models.FileChange{{Path: path.Join(s.dir, name), Content: b.String()}},
	}, nil
}
