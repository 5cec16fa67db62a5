package analyst_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/omegabot/omega/internal/evolution/analyst"
	"github.com/omegabot/omega/internal/evolution/mocks"
	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
	"github.com/omegabot/omega/internal/lock"
)

var fixedNow = time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)

// fakeActor marks every selected proposal implemented. If gate is set, Act
// blocks until it is closed.
type fakeActor struct {
	mu      sync.Mutex
	calls   [][]models.ScoredProposal
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeActor) Act(ctx context.Context, selected []models.ScoredProposal) []models.ActionResult {
	f.mu.Lock()
	f.calls = append(f.calls, selected)
	f.mu.Unlock()
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	results := make([]models.ActionResult, len(selected))
	for i, p := range selected {
		n := 100 + i
		results[i] = models.ActionResult{ProposalID: p.ID, Title: p.Title, Success: true, Status: models.StatusImplemented, PRNumber: &n}
	}
	return results
}

func (f *fakeActor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func busyHistory() []models.ChatMessage {
	return []models.ChatMessage{
		{Content: "what is the weather in Paris?", Role: "user", CreatedAt: fixedNow.Add(-time.Hour)},
		{Content: "Failed to fetch forecast: timeout", Role: "assistant", ToolName: "weather", CreatedAt: fixedNow.Add(-50 * time.Minute)},
		{Content: "search for the weather again", Role: "user", ToolName: "search", CreatedAt: fixedNow.Add(-40 * time.Minute)},
	}
}

// happyStore accepts every write.
func happyStore(msgs []models.ChatMessage) *mocks.MockStore {
	store := new(mocks.MockStore)
	store.On("QueryMessages", mock.Anything, mock.Anything).Return(msgs, nil)
	store.On("RecentProposalTitles", mock.Anything, mock.Anything).Return([]string{}, nil)
	store.On("InsertProposals", mock.Anything, mock.Anything).Return(nil)
	store.On("UpdateProposalStatus", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSelfReflection", mock.Anything, mock.Anything).Return(nil)
	store.On("InsertAuditLog", mock.Anything, mock.Anything).Return(nil)
	return store
}

func newAnalyst(t *testing.T, store analyst.Store, locker lock.Locker, actor analyst.Actor, opts ...analyst.Option) *analyst.Analyst {
	t.Helper()
	opts = append([]analyst.Option{analyst.WithClock(func() time.Time { return fixedNow })}, opts...)
	a, err := analyst.NewAnalyst(zaptest.NewLogger(t), policy.Default(), store, locker, actor, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func auditActions(store *mocks.MockStore) []string {
	var actions []string
	for _, call := range store.Calls {
		if call.Method == "InsertAuditLog" {
			actions = append(actions, call.Arguments.Get(1).(models.AuditLogEntry).Action)
		}
	}
	return actions
}

func TestRunCycle_FullPipeline(t *testing.T) {
	store := happyStore(busyHistory())
	actor := &fakeActor{}
	a := newAnalyst(t, store, lock.NewLocal(), actor)

	report, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, models.RunDate(fixedNow), report.RunDate)
	assert.Equal(t, 3, report.Observation.MessageVolume)
	require.NotEmpty(t, report.Orientation.ScoredProposals)
	require.NotEmpty(t, report.Decision.Selected)
	for _, p := range report.Decision.Selected {
		assert.Equal(t, models.StatusSelected, p.Status)
		assert.NotZero(t, p.ID, "proposal IDs come from the store")
	}
	for _, p := range report.Decision.Deferred {
		assert.Equal(t, models.StatusDeferred, p.Status)
	}

	require.Equal(t, 1, actor.callCount())
	assert.Len(t, report.Results, len(report.Decision.Selected))
	assert.Equal(t, len(report.Results), report.Implemented())

	store.AssertCalled(t, "UpsertSelfReflection", mock.Anything, mock.MatchedBy(func(r models.SelfReflection) bool {
		return r.RunDate.Equal(models.RunDate(fixedNow)) && r.Observation.MessageVolume == 3
	}))

	actions := auditActions(store)
	assert.Equal(t, models.AuditCycleStarted, actions[0])
	assert.Equal(t, models.AuditCycleCompleted, actions[len(actions)-1], "chronicler records completion before RunCycle returns")
	assert.Contains(t, actions, models.AuditProposalSelected)
}

func TestRunCycle_EmptyWindowStillCompletes(t *testing.T) {
	store := happyStore(nil)
	a := newAnalyst(t, store, lock.NewLocal(), &fakeActor{})

	report, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Observation.MessageVolume)
	assert.Empty(t, report.Observation.Topics)
	assert.NotEmpty(t, report.Orientation.ScoredProposals, "fallback proposals are generated without signal")
}

func TestRunCycle_SkipsWhileAnotherCycleRuns(t *testing.T) {
	store := happyStore(busyHistory())
	actor := &fakeActor{entered: make(chan struct{}), gate: make(chan struct{})}
	a := newAnalyst(t, store, lock.NewLocal(), actor)

	first := make(chan error, 1)
	go func() {
		_, err := a.RunCycle(context.Background())
		first <- err
	}()
	<-actor.entered

	report, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, report.Results)

	close(actor.gate)
	require.NoError(t, <-first)
	assert.Equal(t, 1, actor.callCount())
}

func TestRunCycle_GuardErrorIsReturned(t *testing.T) {
	store := new(mocks.MockStore)
	locker := new(mocks.MockLocker)
	locker.On("TryAcquire", mock.Anything).Return(nil, false, errors.New("redis unavailable"))
	a := newAnalyst(t, store, locker, &fakeActor{})

	_, err := a.RunCycle(context.Background())
	assert.ErrorContains(t, err, "redis unavailable")
	store.AssertNotCalled(t, "QueryMessages", mock.Anything, mock.Anything)
}

func TestRunCycle_GuardReleasedAfterCycle(t *testing.T) {
	store := happyStore(nil)
	released := false
	locker := new(mocks.MockLocker)
	locker.On("TryAcquire", mock.Anything).Return(lock.Release(func(context.Context) error {
		released = true
		return nil
	}), true, nil)
	a := newAnalyst(t, store, locker, &fakeActor{})

	_, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRunCycle_ObserveFailureAbortsCycle(t *testing.T) {
	store := new(mocks.MockStore)
	store.On("QueryMessages", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()
	store.On("InsertAuditLog", mock.Anything, mock.Anything).Return(nil)
	actor := &fakeActor{}
	a := newAnalyst(t, store, lock.NewLocal(), actor)

	report, err := a.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorContains(t, err, "observe stage failed")

	assert.Equal(t, []string{models.AuditCycleStarted, models.AuditCycleFailed}, auditActions(store))
	store.AssertNotCalled(t, "InsertProposals", mock.Anything, mock.Anything)
	assert.Zero(t, actor.callCount())

	// The guard was released, so the next trigger runs.
	store.On("QueryMessages", mock.Anything, mock.Anything).Return(nil, nil)
	store.On("RecentProposalTitles", mock.Anything, mock.Anything).Return([]string{}, nil)
	store.On("InsertProposals", mock.Anything, mock.Anything).Return(nil)
	store.On("UpdateProposalStatus", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSelfReflection", mock.Anything, mock.Anything).Return(nil)
	_, err = a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, actor.callCount())
}

func TestRunCycle_PersistFailureAbortsCycle(t *testing.T) {
	store := new(mocks.MockStore)
	store.On("QueryMessages", mock.Anything, mock.Anything).Return(busyHistory(), nil)
	store.On("RecentProposalTitles", mock.Anything, mock.Anything).Return(nil, errors.New("slow query"))
	store.On("InsertProposals", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	store.On("InsertAuditLog", mock.Anything, mock.Anything).Return(nil)
	a := newAnalyst(t, store, lock.NewLocal(), &fakeActor{})

	_, err := a.RunCycle(context.Background())
	assert.ErrorContains(t, err, "failed to persist proposals")
	store.AssertNotCalled(t, "UpdateProposalStatus", mock.Anything, mock.Anything)
}

func TestRunCycle_DryRunSkipsAct(t *testing.T) {
	store := happyStore(busyHistory())
	actor := &fakeActor{}
	a := newAnalyst(t, store, lock.NewLocal(), actor, analyst.WithDryRun(true))

	report, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.NotEmpty(t, report.Decision.Selected)
	assert.Empty(t, report.Results)
	assert.Zero(t, actor.callCount())
}

func TestRunCycle_UnrecordedSelectionIsNotActedOn(t *testing.T) {
	store := new(mocks.MockStore)
	store.On("QueryMessages", mock.Anything, mock.Anything).Return(busyHistory(), nil)
	store.On("RecentProposalTitles", mock.Anything, mock.Anything).Return([]string{}, nil)
	store.On("InsertProposals", mock.Anything, mock.Anything).Return(nil)
	store.On("UpdateProposalStatus", mock.Anything, mock.MatchedBy(func(u models.StatusUpdate) bool {
		return u.To == models.StatusSelected
	})).Return(errors.New("serialization failure"))
	store.On("UpdateProposalStatus", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSelfReflection", mock.Anything, mock.Anything).Return(nil)
	store.On("InsertAuditLog", mock.Anything, mock.Anything).Return(nil)
	actor := &fakeActor{}
	a := newAnalyst(t, store, lock.NewLocal(), actor)

	report, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, actor.callCount())
	assert.Empty(t, actor.calls[0])
	for _, p := range report.Decision.Selected {
		assert.Equal(t, models.StatusProposed, p.Status)
	}
}

func TestRunCycle_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	a := newAnalyst(t, happyStore(busyHistory()), lock.NewLocal(), &fakeActor{}, analyst.WithMeter(provider.Meter("test")))
	_, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), counterValue(t, rm, "omega.evolution.cycles", attribute.String("outcome", "completed")))
	assert.Positive(t, counterValue(t, rm, "omega.evolution.actions", attribute.String("status", "implemented")))
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestGenerateDailySummary(t *testing.T) {
	pr := 12
	store := new(mocks.MockStore)
	store.On("ListProposalsByRunDate", mock.Anything, models.RunDate(fixedNow)).Return([]models.ScoredProposal{
		{EvolutionProposal: models.EvolutionProposal{Title: "Add weather tool", Type: models.ProposalCapability, RiskLevel: models.RiskLow, Status: models.StatusImplemented, PRNumber: &pr}, TotalScore: 0.8},
		{EvolutionProposal: models.EvolutionProposal{Title: "Prepare for travel", Type: models.ProposalAnticipatory, RiskLevel: models.RiskMedium, Status: models.StatusRejected}, TotalScore: 0.6},
		{EvolutionProposal: models.EvolutionProposal{Title: "Rewrite the database layer", Type: models.ProposalOther, RiskLevel: models.RiskHigh, Status: models.StatusDeferred}, TotalScore: 0.3},
	}, nil)
	a := newAnalyst(t, store, lock.NewLocal(), &fakeActor{}, analyst.WithRepositoryURL("https://github.com/omegabot/omega/"))

	summary, err := a.GenerateDailySummary(context.Background(), fixedNow.Add(5*time.Hour))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(summary, "# Evolution summary for 2026-05-10\n"))
	assert.Contains(t, summary, "3 proposals: 1 implemented, 1 rejected, 1 deferred.")
	assert.Contains(t, summary, "capability 1/1 (met), anticipatory 1/1 (met), wildcard 0/1 (missed)")
	assert.Contains(t, summary, "## Implemented (1)")
	assert.Contains(t, summary, "PR [#12](https://github.com/omegabot/omega/pull/12)")
	assert.Less(t, strings.Index(summary, "## Rejected"), strings.Index(summary, "## Deferred"))
}

func TestGenerateDailySummary_Empty(t *testing.T) {
	store := new(mocks.MockStore)
	store.On("ListProposalsByRunDate", mock.Anything, mock.Anything).Return(nil, nil)
	a := newAnalyst(t, store, lock.NewLocal(), &fakeActor{})

	summary, err := a.GenerateDailySummary(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Contains(t, summary, "No evolution proposals were recorded")
}

func TestGenerateDailySummary_StoreError(t *testing.T) {
	store := new(mocks.MockStore)
	store.On("ListProposalsByRunDate", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))
	a := newAnalyst(t, store, lock.NewLocal(), &fakeActor{})

	_, err := a.GenerateDailySummary(context.Background(), fixedNow)
	assert.ErrorContains(t, err, "failed to load proposals for 2026-05-10")
}

func TestNewAnalyst_RejectsInvalidPolicy(t *testing.T) {
	pol := policy.Default()
	pol.Weights.Impact = 0.9
	_, err := analyst.NewAnalyst(zaptest.NewLogger(t), pol, new(mocks.MockStore), lock.NewLocal(), &fakeActor{})
	assert.ErrorIs(t, err, policy.ErrInvalid)
}

func TestAnalyst_CloseStopsConsumers(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, err := analyst.NewAnalyst(zaptest.NewLogger(t), policy.Default(), happyStore(nil), lock.NewLocal(), &fakeActor{},
		analyst.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	_, err = a.RunCycle(context.Background())
	require.NoError(t, err)

	a.Close()
	a.Close()
}

func TestRunCycle_LogsProposalHistory(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	newLoggedAnalyst := func(store *mocks.MockStore) *analyst.Analyst {
		a, err := analyst.NewAnalyst(logger, policy.Default(), store, lock.NewLocal(), &fakeActor{},
			analyst.WithClock(func() time.Time { return fixedNow }))
		require.NoError(t, err)
		t.Cleanup(a.Close)
		return a
	}

	store := new(mocks.MockStore)
	store.On("RecentProposalTitles", mock.Anything, mock.Anything).Return([]string{"Add weather tool", "Draft FAQ"}, nil).Once()
	store.On("RecentProposalTitles", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
	store.On("QueryMessages", mock.Anything, mock.Anything).Return(busyHistory(), nil)
	store.On("InsertProposals", mock.Anything, mock.Anything).Return(nil)
	store.On("UpdateProposalStatus", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSelfReflection", mock.Anything, mock.Anything).Return(nil)
	store.On("InsertAuditLog", mock.Anything, mock.Anything).Return(nil)
	a := newLoggedAnalyst(store)

	_, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	refreshed := logs.FilterMessage("Proposal history refreshed.").All()
	require.Len(t, refreshed, 1)
	assert.Equal(t, int64(2), refreshed[0].ContextMap()["titles"])

	// A failed refresh keeps the previous titles and says how old they are.
	_, err = a.RunCycle(context.Background())
	require.NoError(t, err)
	stale := logs.FilterMessage("Could not refresh proposal history; novelty scores may be optimistic.").All()
	require.Len(t, stale, 1)
	assert.Equal(t, int64(2), stale[0].ContextMap()["cached_titles"])
	assert.Equal(t, fixedNow, stale[0].ContextMap()["history_loaded_at"])
}
