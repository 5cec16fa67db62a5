// internal/evolution/models/models.go
package models

import (
	"time"
)

// MessageType defines the categories of messages on the evolution bus.
type MessageType string

const (
	// --- Cycle Stages ---
	TypeObservation   MessageType = "EVO_OBSERVATION"    // Output of the Observe stage
	TypeOrientation   MessageType = "EVO_ORIENTATION"    // Scored proposals from the Orient stage
	TypeDecision      MessageType = "EVO_DECISION"       // Selected/deferred split from the Decide stage
	TypeResult        MessageType = "EVO_RESULT"         // One ActionResult from the Act stage
	TypeReflection    MessageType = "EVO_REFLECTION"     // Self-reflection record for the run date
	TypeCycleComplete MessageType = "EVO_CYCLE_COMPLETE" // Final CycleReport
)

// ChatMessage is a single row of bot conversation history.
type ChatMessage struct {
	Content   string
	Role      string
	ToolName  string
	CreatedAt time.Time
}

// MessageQuery bounds a read of the conversation history.
type MessageQuery struct {
	Start time.Time
	End   time.Time
	Limit int
}

// TopicCount is a topic keyword and the number of messages mentioning it.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Feelings is the bot's self-assessed affect. Every field is in [0,1].
type Feelings struct {
	Satisfaction float64 `json:"satisfaction"`
	Confusion    float64 `json:"confusion"`
	Concern      float64 `json:"concern"`
	Fatigue      float64 `json:"fatigue"`
}

// ObservationData summarizes one observation window.
type ObservationData struct {
	WindowStart   time.Time      `json:"window_start"`
	WindowEnd     time.Time      `json:"window_end"`
	MessageVolume int            `json:"message_volume"`
	Topics        []TopicCount   `json:"topics"`
	Errors        []string       `json:"errors"`
	ToolUsage     map[string]int `json:"tool_usage"`
	Failures      []string       `json:"failures"`
	FailureKinds  map[string]int `json:"failure_kinds"`
	Feelings      Feelings       `json:"feelings"`
}

// OrientationResult is the output of the Orient stage.
type OrientationResult struct {
	PainPoints      []string         `json:"pain_points"`
	Opportunities   []string         `json:"opportunities"`
	ScoredProposals []ScoredProposal `json:"scored_proposals"`
}

// SelfReflection is the per-day record of what the bot observed about itself.
type SelfReflection struct {
	ID            string          `json:"id"`
	RunDate       time.Time       `json:"run_date"`
	Observation   ObservationData `json:"observation"`
	PainPoints    []string        `json:"pain_points"`
	Opportunities []string        `json:"opportunities"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CycleReport is everything a single evolution cycle produced.
type CycleReport struct {
	CycleID     string            `json:"cycle_id"`
	RunDate     time.Time         `json:"run_date"`
	Skipped     bool              `json:"skipped"`
	DryRun      bool              `json:"dry_run"`
	Observation ObservationData   `json:"observation"`
	Orientation OrientationResult `json:"orientation"`
	Decision    DecisionResult    `json:"decision"`
	Results     []ActionResult    `json:"results"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Implemented counts the results that produced a pull request.
func (r *CycleReport) Implemented() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// RunDate truncates t to a calendar day in UTC.
func RunDate(t time.Time) time.Time {
	return RunDateIn(t, time.UTC)
}

// RunDateIn returns the calendar day of t in loc, stored as midnight UTC.
func RunDateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
