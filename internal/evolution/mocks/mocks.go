// File: internal/evolution/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/omegabot/omega/api/schemas"
	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/lock"
	"github.com/omegabot/omega/internal/workspace"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate respects ctx even when the mocked call blocks.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	type result struct {
		s   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		args := m.MethodCalled("Generate", ctx, req)
		done <- result{args.String(0), args.Error(1)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		return res.s, res.err
	}
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Message Source Mock --

// MockMessageSource mocks observer.MessageSource.
type MockMessageSource struct {
	mock.Mock
}

func (m *MockMessageSource) QueryMessages(ctx context.Context, q models.MessageQuery) ([]models.ChatMessage, error) {
	args := m.Called(ctx, q)
	var r0 []models.ChatMessage
	if args.Get(0) != nil {
		r0 = args.Get(0).([]models.ChatMessage)
	}
	return r0, args.Error(1)
}

// -- Store Mock --

// MockStore mocks every persistence interface consumed by the engine.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) QueryMessages(ctx context.Context, q models.MessageQuery) ([]models.ChatMessage, error) {
	args := m.Called(ctx, q)
	var r0 []models.ChatMessage
	if args.Get(0) != nil {
		r0 = args.Get(0).([]models.ChatMessage)
	}
	return r0, args.Error(1)
}

func (m *MockStore) RecentProposalTitles(ctx context.Context, since time.Time) ([]string, error) {
	args := m.Called(ctx, since)
	var r0 []string
	if args.Get(0) != nil {
		r0 = args.Get(0).([]string)
	}
	return r0, args.Error(1)
}

// InsertProposals assigns sequential IDs starting at 1 unless a Run func
// overrides them.
func (m *MockStore) InsertProposals(ctx context.Context, proposals []models.ScoredProposal) error {
	args := m.Called(ctx, proposals)
	if args.Error(0) == nil {
		for i := range proposals {
			if proposals[i].ID == 0 {
				proposals[i].ID = int64(i + 1)
			}
		}
	}
	return args.Error(0)
}

func (m *MockStore) UpdateProposalStatus(ctx context.Context, u models.StatusUpdate) error {
	return m.Called(ctx, u).Error(0)
}

func (m *MockStore) ListProposalsByRunDate(ctx context.Context, runDate time.Time) ([]models.ScoredProposal, error) {
	args := m.Called(ctx, runDate)
	var r0 []models.ScoredProposal
	if args.Get(0) != nil {
		r0 = args.Get(0).([]models.ScoredProposal)
	}
	return r0, args.Error(1)
}

func (m *MockStore) UpsertSelfReflection(ctx context.Context, r models.SelfReflection) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockStore) InsertSanityCheck(ctx context.Context, proposalID int64, res models.SanityCheckResults) error {
	return m.Called(ctx, proposalID, res).Error(0)
}

func (m *MockStore) InsertAuditLog(ctx context.Context, e models.AuditLogEntry) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockStore) CreateFeatureFlag(ctx context.Context, key, description string, metadata map[string]any) (bool, error) {
	args := m.Called(ctx, key, description, metadata)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) GetFeatureFlag(ctx context.Context, key string) (*models.FeatureFlag, error) {
	args := m.Called(ctx, key)
	var r0 *models.FeatureFlag
	if args.Get(0) != nil {
		r0 = args.Get(0).(*models.FeatureFlag)
	}
	return r0, args.Error(1)
}

func (m *MockStore) ListFeatureFlags(ctx context.Context) ([]models.FeatureFlag, error) {
	args := m.Called(ctx)
	var r0 []models.FeatureFlag
	if args.Get(0) != nil {
		r0 = args.Get(0).([]models.FeatureFlag)
	}
	return r0, args.Error(1)
}

func (m *MockStore) UpsertFeatureFlag(ctx context.Context, f models.FeatureFlag) error {
	return m.Called(ctx, f).Error(0)
}

// -- Actor collaborator mocks --

// MockImplementer mocks executor.Implementer.
type MockImplementer struct {
	mock.Mock
}

func (m *MockImplementer) Draft(ctx context.Context, p models.EvolutionProposal) (*models.ChangeSet, error) {
	args := m.Called(ctx, p)
	var r0 *models.ChangeSet
	if args.Get(0) != nil {
		r0 = args.Get(0).(*models.ChangeSet)
	}
	return r0, args.Error(1)
}

// MockWorkspace mocks executor.Workspace.
type MockWorkspace struct {
	mock.Mock
}

func (m *MockWorkspace) Stage(ctx context.Context, branch string, cs *models.ChangeSet) (*workspace.Change, error) {
	args := m.Called(ctx, branch, cs)
	var r0 *workspace.Change
	if args.Get(0) != nil {
		r0 = args.Get(0).(*workspace.Change)
	}
	return r0, args.Error(1)
}

func (m *MockWorkspace) Publish(ctx context.Context, change *workspace.Change, message string) error {
	return m.Called(ctx, change, message).Error(0)
}

func (m *MockWorkspace) Discard(change *workspace.Change) {
	m.Called(change)
}

// MockTracker mocks executor.Tracker.
type MockTracker struct {
	mock.Mock
}

func (m *MockTracker) OpenIssue(ctx context.Context, spec models.IssueSpec) (int, error) {
	args := m.Called(ctx, spec)
	return args.Int(0), args.Error(1)
}

func (m *MockTracker) CloseIssue(ctx context.Context, number int, comment string) error {
	return m.Called(ctx, number, comment).Error(0)
}

func (m *MockTracker) OpenPullRequest(ctx context.Context, spec models.PullRequestSpec) (*models.PullRequest, error) {
	args := m.Called(ctx, spec)
	var r0 *models.PullRequest
	if args.Get(0) != nil {
		r0 = args.Get(0).(*models.PullRequest)
	}
	return r0, args.Error(1)
}

// -- Cycle Guard Mock --

// MockLocker mocks lock.Locker.
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) TryAcquire(ctx context.Context) (lock.Release, bool, error) {
	args := m.Called(ctx)
	var r0 lock.Release
	switch fn := args.Get(0).(type) {
	case lock.Release:
		r0 = fn
	case func(context.Context) error:
		r0 = fn
	}
	return r0, args.Bool(1), args.Error(2)
}
