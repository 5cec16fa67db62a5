package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	json "github.com/json-iterator/go"

	"github.com/omegabot/omega/internal/evolution/models"
)

const sqlInsertProposal = `
    INSERT INTO evolution_proposals (
        run_date, proposal_type, title, description, rationale, signals, risk_level, expected_impact,
        impact_score, effort_score, risk_score, novelty_score, total_score,
        status, branch_name, created_at, updated_at
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
    RETURNING id;
`

// InsertProposals stores proposals in a single transaction and assigns the
// generated IDs back onto the slice.
func (s *Store) InsertProposals(ctx context.Context, proposals []models.ScoredProposal) error {
	if len(proposals) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for i := range proposals {
			p := &proposals[i]
			signals, err := json.Marshal(nonNilStrings(p.Signals))
			if err != nil {
				return fmt.Errorf("failed to encode signals for %q: %w", p.Title, err)
			}
			impact, err := json.Marshal(nonNilImpact(p.ExpectedImpact))
			if err != nil {
				return fmt.Errorf("failed to encode expected impact for %q: %w", p.Title, err)
			}

			var id int64
			err = tx.QueryRow(ctx, sqlInsertProposal,
				p.RunDate, string(p.Type), p.Title, p.Description, p.Rationale, signals, string(p.RiskLevel), impact,
				p.ImpactScore, p.EffortScore, p.RiskScore, p.NoveltyScore, p.TotalScore,
				string(p.Status), p.BranchName, now,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to insert proposal %q: %w", p.Title, err)
			}
			p.ID = id
		}
		return nil
	})
}

const sqlUpdateProposalStatus = `
    UPDATE evolution_proposals
    SET status = $2,
        issue_number = COALESCE($3, issue_number),
        pr_number = COALESCE($4, pr_number),
        branch_name = COALESCE(NULLIF($5, ''), branch_name),
        updated_at = $6
    WHERE id = $1 AND status = $7;
`

// UpdateProposalStatus applies a forward-only status change. The row must
// still be in u.From; otherwise the update is refused.
func (s *Store) UpdateProposalStatus(ctx context.Context, u models.StatusUpdate) error {
	if !u.From.CanTransition(u.To) {
		return fmt.Errorf("proposal %d: %w: %s -> %s", u.ID, models.ErrInvalidTransition, u.From, u.To)
	}

	tag, err := s.pool.Exec(ctx, sqlUpdateProposalStatus,
		u.ID, string(u.To), u.IssueNumber, u.PRNumber, u.Branch, time.Now().UTC(), string(u.From))
	if err != nil {
		return fmt.Errorf("failed to update proposal %d status: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %d not in status %s: %w", u.ID, u.From, models.ErrInvalidTransition)
	}
	return nil
}

const sqlListProposalsByRunDate = `
    SELECT id, run_date, proposal_type, title, description, rationale, signals, risk_level, expected_impact,
           impact_score, effort_score, risk_score, novelty_score, total_score,
           status, issue_number, pr_number, branch_name
    FROM evolution_proposals
    WHERE run_date = $1
    ORDER BY total_score DESC, id ASC;
`

// ListProposalsByRunDate returns every proposal stored for a run date.
func (s *Store) ListProposalsByRunDate(ctx context.Context, runDate time.Time) ([]models.ScoredProposal, error) {
	rows, err := s.pool.Query(ctx, sqlListProposalsByRunDate, models.RunDate(runDate))
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.ScoredProposal
	for rows.Next() {
		var (
			p                     models.ScoredProposal
			typ, risk, status     string
			signals, impact       []byte
			issueNumber, prNumber *int32
		)
		err := rows.Scan(
			&p.ID, &p.RunDate, &typ, &p.Title, &p.Description, &p.Rationale, &signals, &risk, &impact,
			&p.ImpactScore, &p.EffortScore, &p.RiskScore, &p.NoveltyScore, &p.TotalScore,
			&status, &issueNumber, &prNumber, &p.BranchName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal row: %w", err)
		}
		p.Type = models.ProposalType(typ)
		p.RiskLevel = models.RiskLevel(risk)
		p.Status = models.ProposalStatus(status)
		p.IssueNumber = intPtr(issueNumber)
		p.PRNumber = intPtr(prNumber)

		if len(signals) > 0 {
			if err := json.Unmarshal(signals, &p.Signals); err != nil {
				return nil, fmt.Errorf("failed to decode signals for proposal %d: %w", p.ID, err)
			}
		}
		if len(impact) > 0 {
			if err := json.Unmarshal(impact, &p.ExpectedImpact); err != nil {
				return nil, fmt.Errorf("failed to decode expected impact for proposal %d: %w", p.ID, err)
			}
		}
		proposals = append(proposals, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return proposals, nil
}

const sqlRecentProposalTitles = `
    SELECT DISTINCT title
    FROM evolution_proposals
    WHERE created_at >= $1;
`

// RecentProposalTitles returns the distinct titles proposed since the given time.
func (s *Store) RecentProposalTitles(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, sqlRecentProposalTitles, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query proposal titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("failed to scan proposal title: %w", err)
		}
		titles = append(titles, title)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return titles, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilImpact(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
