package chronicler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/bus"
	"github.com/omegabot/omega/internal/evolution/models"
)

// Store is the persistence the Chronicler writes to.
type Store interface {
	UpsertSelfReflection(ctx context.Context, r models.SelfReflection) error
	InsertAuditLog(ctx context.Context, e models.AuditLogEntry) error
}

// Chronicler records what each cycle saw and did (REMEMBER). It is a passive
// bus consumer; a failed write is logged and never fails the cycle.
type Chronicler struct {
	logger *zap.Logger
	bus    *bus.EvolutionBus
	store  Store

	msgChan <-chan bus.Message
}

// NewChronicler initializes the Chronicler and subscribes to the bus.
func NewChronicler(logger *zap.Logger, evoBus *bus.EvolutionBus, store Store) *Chronicler {
	// Subscribe in the constructor so no event posted after construction is missed.
	// The bus closes the channel on shutdown, so the unsubscribe func is not kept.
	msgChan, _ := evoBus.Subscribe(models.TypeReflection, models.TypeCycleComplete)

	return &Chronicler{
		logger:  logger.Named("chronicler"),
		bus:     evoBus,
		store:   store,
		msgChan: msgChan,
	}
}

// Start consumes events until ctx is done or the bus shuts down.
func (c *Chronicler) Start(ctx context.Context) {
	c.logger.Debug("Chronicler started.")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.msgChan:
			if !ok {
				return
			}
			c.processMessage(ctx, msg)
		}
	}
}

// processMessage guarantees acknowledgement and recovers from handler panics.
func (c *Chronicler) processMessage(ctx context.Context, msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic recovered in Chronicler handler.",
				zap.String("message_id", msg.ID),
				zap.String("message_type", string(msg.Type)),
				zap.Any("panic_value", r),
			)
		}
		c.bus.Acknowledge(msg)
	}()

	switch payload := msg.Payload.(type) {
	case models.SelfReflection:
		c.recordReflection(ctx, payload)
	case models.CycleReport:
		c.recordCycle(ctx, payload)
	default:
		c.logger.Warn("Ignoring message with unexpected payload.", zap.String("message_type", string(msg.Type)))
	}
}

func (c *Chronicler) recordReflection(ctx context.Context, r models.SelfReflection) {
	if err := c.store.UpsertSelfReflection(ctx, r); err != nil {
		c.logger.Error("Failed to record self reflection.", zap.Time("run_date", r.RunDate), zap.Error(err))
		return
	}
	c.logger.Info("Self reflection recorded.",
		zap.Time("run_date", r.RunDate),
		zap.Int("pain_points", len(r.PainPoints)),
		zap.Int("opportunities", len(r.Opportunities)),
	)
}

func (c *Chronicler) recordCycle(ctx context.Context, report models.CycleReport) {
	entry := models.AuditLogEntry{
		Action:    models.AuditCycleCompleted,
		Actor:     models.AuditActor,
		Details:   CycleDetails(report),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.InsertAuditLog(ctx, entry); err != nil {
		c.logger.Error("Failed to record cycle completion.", zap.String("cycle_id", report.CycleID), zap.Error(err))
	}
}

// CycleDetails flattens a report into audit details.
func CycleDetails(r models.CycleReport) map[string]any {
	rejected := 0
	for _, res := range r.Results {
		if res.Status == models.StatusRejected {
			rejected++
		}
	}
	return map[string]any{
		"cycle_id":           r.CycleID,
		"run_date":           r.RunDate.Format("2006-01-02"),
		"dry_run":            r.DryRun,
		"message_volume":     r.Observation.MessageVolume,
		"proposals":          len(r.Orientation.ScoredProposals),
		"selected":           len(r.Decision.Selected),
		"deferred":           len(r.Decision.Deferred),
		"implemented":        r.Implemented(),
		"rejected":           rejected,
		"meets_requirements": r.Decision.MeetsRequirements,
		"duration_ms":        r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
}
