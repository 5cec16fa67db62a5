package analyst

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/bus"
	"github.com/omegabot/omega/internal/evolution/chronicler"
	"github.com/omegabot/omega/internal/evolution/decider"
	"github.com/omegabot/omega/internal/evolution/executor"
	"github.com/omegabot/omega/internal/evolution/models"
	observer "github.com/omegabot/omega/internal/evolution/observe"
	"github.com/omegabot/omega/internal/evolution/policy"
	"github.com/omegabot/omega/internal/evolution/synthesizer"
	"github.com/omegabot/omega/internal/lock"
)

// Store is the persistence the Analyst drives through a cycle.
type Store interface {
	observer.MessageSource
	synthesizer.TitleLoader
	chronicler.Store
	executor.Recorder
	InsertProposals(ctx context.Context, proposals []models.ScoredProposal) error
	ListProposalsByRunDate(ctx context.Context, runDate time.Time) ([]models.ScoredProposal, error)
}

// Actor runs the ACT stage.
type Actor interface {
	Act(ctx context.Context, selected []models.ScoredProposal) []models.ActionResult
}

// Option configures an Analyst.
type Option func(*Analyst)

// WithDryRun stops the cycle after DECIDE; nothing is pushed or opened.
func WithDryRun(dryRun bool) Option {
	return func(a *Analyst) { a.dryRun = dryRun }
}

// WithHistoryLookback sets how far back proposal titles count against novelty.
func WithHistoryLookback(d time.Duration) Option {
	return func(a *Analyst) {
		if d > 0 {
			a.lookback = d
		}
	}
}

// WithBusBufferSize sets the per-subscriber buffer of the evolution bus.
func WithBusBufferSize(n int) Option {
	return func(a *Analyst) { a.busBuffer = n }
}

// WithMeter replaces the global OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(a *Analyst) { a.meter = m }
}

// WithRepositoryURL is used to link pull requests in daily summaries,
// e.g. "https://github.com/omegabot/omega".
func WithRepositoryURL(url string) Option {
	return func(a *Analyst) { a.repoURL = url }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyst) { a.now = now }
}

// WithObserverOptions forwards options to the observer.
func WithObserverOptions(opts ...observer.Option) Option {
	return func(a *Analyst) { a.observerOpts = append(a.observerOpts, opts...) }
}

// Analyst orchestrates the daily evolution cycle:
// OBSERVE -> ORIENT -> DECIDE -> ACT, then REMEMBER via the chronicler.
type Analyst struct {
	logger *zap.Logger
	policy policy.Policy
	store  Store
	locker lock.Locker
	actor  Actor

	observer    *observer.Observer
	synthesizer *synthesizer.Synthesizer
	decider     *decider.Decider
	history     *synthesizer.TitleHistory

	bus        *bus.EvolutionBus
	chronicler *chronicler.Chronicler
	metrics    *cycleMetrics

	dryRun       bool
	lookback     time.Duration
	busBuffer    int
	meter        metric.Meter
	repoURL      string
	now          func() time.Time
	observerOpts []observer.Option

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewAnalyst validates pol and wires every stage.
func NewAnalyst(logger *zap.Logger, pol policy.Policy, store Store, locker lock.Locker, actor Actor, opts ...Option) (*Analyst, error) {
	if err := pol.Validate(); err != nil {
		return nil, err
	}

	a := &Analyst{
		logger:    logger.Named("analyst"),
		policy:    pol,
		store:     store,
		locker:    locker,
		actor:     actor,
		lookback:  30 * 24 * time.Hour,
		busBuffer: 64,
		meter:     otel.Meter("github.com/omegabot/omega/evolution"),
		now:       time.Now,
		cancel:    func() {},
	}
	for _, opt := range opts {
		opt(a)
	}

	metrics, err := newCycleMetrics(a.meter)
	if err != nil {
		return nil, err
	}
	a.metrics = metrics

	obsOpts := append([]observer.Option{observer.WithClock(a.now)}, a.observerOpts...)
	a.observer = observer.NewObserver(logger, store, pol.Observation, obsOpts...)
	a.history = synthesizer.NewTitleHistory(a.lookback)
	a.synthesizer = synthesizer.NewSynthesizer(logger, pol, a.history)
	a.decider = decider.NewDecider(logger, pol.Quotas)
	a.bus = bus.NewEvolutionBus(logger, a.busBuffer)
	a.chronicler = chronicler.NewChronicler(logger, a.bus, store)
	return a, nil
}

// Start launches the background consumers. It is idempotent; RunCycle
// calls it on first use.
func (a *Analyst) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.chronicler.Start(ctx)
		}()
	})
}

// Close drains the bus, stops the consumers and clears the title cache.
func (a *Analyst) Close() {
	a.closeOnce.Do(func() {
		a.bus.Shutdown()
		a.cancel()
		a.wg.Wait()
		a.history.Close()
	})
}

// RunCycle executes one evolution cycle. If another cycle holds the guard it
// returns a Skipped report and no error.
func (a *Analyst) RunCycle(ctx context.Context) (*models.CycleReport, error) {
	a.Start(context.Background())

	started := a.now().UTC()
	report := &models.CycleReport{
		CycleID:   uuid.New().String(),
		RunDate:   a.policy.RunDate(started),
		DryRun:    a.dryRun,
		StartedAt: started,
	}
	logger := a.logger.With(zap.String("cycle_id", report.CycleID))

	release, ok, err := a.locker.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cycle guard: %w", err)
	}
	if !ok {
		logger.Info("Evolution cycle already in progress; skipping trigger.")
		report.Skipped = true
		report.FinishedAt = a.now().UTC()
		a.metrics.recordCycle(ctx, report, outcomeSkipped)
		return report, nil
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			logger.Warn("Failed to release cycle guard.", zap.Error(err))
		}
	}()

	logger.Info("Evolution cycle started.", zap.Bool("dry_run", a.dryRun))
	a.audit(ctx, models.AuditCycleStarted, map[string]any{"cycle_id": report.CycleID, "dry_run": a.dryRun})

	if err := a.runStages(ctx, report, logger); err != nil {
		report.FinishedAt = a.now().UTC()
		logger.Error("Evolution cycle failed.", zap.Error(err))
		a.audit(context.WithoutCancel(ctx), models.AuditCycleFailed, map[string]any{
			"cycle_id": report.CycleID,
			"error":    err.Error(),
		})
		a.metrics.recordCycle(context.WithoutCancel(ctx), report, outcomeFailed)
		return nil, err
	}

	report.FinishedAt = a.now().UTC()
	a.metrics.recordCycle(ctx, report, outcomeCompleted)
	if err := a.bus.PostAndWait(ctx, models.TypeCycleComplete, *report); err != nil {
		logger.Warn("Failed to publish cycle report.", zap.Error(err))
	}

	logger.Info("Evolution cycle completed.",
		zap.Int("proposals", len(report.Orientation.ScoredProposals)),
		zap.Int("selected", len(report.Decision.Selected)),
		zap.Int("implemented", report.Implemented()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (a *Analyst) runStages(ctx context.Context, report *models.CycleReport, logger *zap.Logger) error {
	// OBSERVE
	obs, err := a.observer.Observe(ctx)
	if err != nil {
		return fmt.Errorf("observe stage failed: %w", err)
	}
	report.Observation = obs
	a.publish(ctx, models.TypeObservation, obs, logger)

	// ORIENT
	if err := a.history.Refresh(ctx, a.store, a.now()); err != nil {
		logger.Warn("Could not refresh proposal history; novelty scores may be optimistic.",
			zap.Error(err),
			zap.Int("cached_titles", a.history.Len()),
			zap.Time("history_loaded_at", a.history.LoadedAt()),
		)
	} else {
		logger.Debug("Proposal history refreshed.", zap.Int("titles", a.history.Len()))
	}
	orientation := a.synthesizer.Orient(obs)
	if err := a.store.InsertProposals(ctx, orientation.ScoredProposals); err != nil {
		return fmt.Errorf("failed to persist proposals: %w", err)
	}
	report.Orientation = orientation
	a.publish(ctx, models.TypeOrientation, orientation, logger)

	// DECIDE
	decision := a.decider.Decide(orientation.ScoredProposals)
	decision.Selected = a.transition(ctx, decision.Selected, models.StatusSelected, models.AuditProposalSelected, decision.Reason, logger)
	decision.Deferred = a.transition(ctx, decision.Deferred, models.StatusDeferred, models.AuditProposalDeferred, decision.Reason, logger)
	report.Decision = decision
	a.publish(ctx, models.TypeDecision, decision, logger)

	reflection := models.SelfReflection{
		ID:            uuid.New().String(),
		RunDate:       report.RunDate,
		Observation:   obs,
		PainPoints:    orientation.PainPoints,
		Opportunities: orientation.Opportunities,
		CreatedAt:     a.now().UTC(),
	}
	if err := a.bus.PostAndWait(ctx, models.TypeReflection, reflection); err != nil {
		logger.Warn("Failed to publish self reflection.", zap.Error(err))
	}

	// ACT
	var selected []models.ScoredProposal
	for _, p := range decision.Selected {
		if p.Status == models.StatusSelected {
			selected = append(selected, p)
		}
	}
	if a.dryRun {
		logger.Info("Dry run: skipping act stage.", zap.Int("selected", len(selected)))
		return nil
	}
	report.Results = a.actor.Act(ctx, selected)
	for _, res := range report.Results {
		a.publish(ctx, models.TypeResult, res, logger)
	}
	return ctx.Err()
}

// transition persists the decision for each proposal. A proposal whose
// status could not be stored keeps its previous status and is not acted on.
func (a *Analyst) transition(ctx context.Context, proposals []models.ScoredProposal, to models.ProposalStatus, action, reason string, logger *zap.Logger) []models.ScoredProposal {
	for i := range proposals {
		p := &proposals[i]
		update := models.StatusUpdate{ID: p.ID, From: p.Status, To: to}
		if err := a.store.UpdateProposalStatus(ctx, update); err != nil {
			logger.Error("Failed to record proposal decision.", zap.Int64("proposal_id", p.ID), zap.String("status", string(to)), zap.Error(err))
			continue
		}
		if err := p.Transition(to); err != nil {
			logger.Error("Proposal status out of sync with store.", zap.Int64("proposal_id", p.ID), zap.Error(err))
			continue
		}
		a.audit(ctx, action, map[string]any{
			"proposal_id": p.ID,
			"title":       p.Title,
			"type":        string(p.Type),
			"total_score": p.TotalScore,
			"risk_level":  string(p.RiskLevel),
			"reason":      reason,
		})
	}
	return proposals
}

func (a *Analyst) publish(ctx context.Context, t models.MessageType, payload interface{}, logger *zap.Logger) {
	if err := a.bus.Post(ctx, t, payload); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Failed to publish cycle event.", zap.String("type", string(t)), zap.Error(err))
	}
}

func (a *Analyst) audit(ctx context.Context, action string, details map[string]any) {
	entry := models.AuditLogEntry{
		Action:    action,
		Actor:     models.AuditActor,
		Details:   details,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.InsertAuditLog(ctx, entry); err != nil {
		a.logger.Error("Failed to write audit entry.", zap.String("action", action), zap.Error(err))
	}
}
