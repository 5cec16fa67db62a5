// internal/evolution/observe/observe.go
package observer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/models"
	"github.com/omegabot/omega/internal/evolution/policy"
)

const (
	maxTopics         = 5
	maxErrors         = 10
	maxFailures       = 10
	errorExcerptLen   = 200
	failureExcerptLen = 150
)

// TopicVocabulary is the fixed keyword list scanned for topics. Order breaks ties.
var TopicVocabulary = []string{
	"error",
	"deploy",
	"database",
	"api",
	"performance",
	"memory",
	"search",
	"image",
	"music",
	"weather",
	"reminder",
	"code",
	"github",
	"voice",
	"translate",
	"schedule",
}

var errorMarkers = []string{"error", "failed", "exception"}

// failurePattern names a recognizable failure mode.
type failurePattern struct {
	kind string
	re   *regexp.Regexp
}

// Checked in order; a message counts only against the first that matches.
var failurePatterns = []failurePattern{
	{"failed to", regexp.MustCompile(`(?i)failed to`)},
	{"cannot", regexp.MustCompile(`(?i)cannot`)},
	{"unable to", regexp.MustCompile(`(?i)unable to`)},
	{"timeout", regexp.MustCompile(`(?i)timeout`)},
	{"rate limit", regexp.MustCompile(`(?i)rate limit`)},
}

// MessageSource reads conversation history.
type MessageSource interface {
	QueryMessages(ctx context.Context, q models.MessageQuery) ([]models.ChatMessage, error)
}

// FeelingsSource produces the affect snapshot attached to an observation.
type FeelingsSource interface {
	Feelings(ctx context.Context, msgs []models.ChatMessage) models.Feelings
}

// StaticFeelings always reports the same snapshot.
type StaticFeelings models.Feelings

// DefaultFeelings is the snapshot used when no richer signal is wired in.
var DefaultFeelings = StaticFeelings{Satisfaction: 0.7, Confusion: 0.2, Concern: 0.1, Fatigue: 0.3}

// Feelings implements FeelingsSource.
func (s StaticFeelings) Feelings(context.Context, []models.ChatMessage) models.Feelings {
	return models.Feelings(s)
}

// Observer gathers the last window of bot activity (Stage 1: OBSERVE).
type Observer struct {
	logger   *zap.Logger
	source   MessageSource
	feelings FeelingsSource
	window   time.Duration
	limit    int
	now      func() time.Time
}

// Option configures an Observer.
type Option func(*Observer)

// WithFeelings replaces the static feelings snapshot.
func WithFeelings(fs FeelingsSource) Option {
	return func(o *Observer) { o.feelings = fs }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Observer) { o.now = now }
}

// NewObserver initializes the Observer component.
func NewObserver(logger *zap.Logger, source MessageSource, cfg policy.Observation, opts ...Option) *Observer {
	o := &Observer{
		logger:   logger.Named("observer"),
		source:   source,
		feelings: DefaultFeelings,
		window:   cfg.Window,
		limit:    cfg.MessageLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Observe reads the window [now-window, now] and derives the observation.
// An empty window is not an error.
func (o *Observer) Observe(ctx context.Context) (models.ObservationData, error) {
	end := o.now().UTC()
	start := end.Add(-o.window)

	msgs, err := o.source.QueryMessages(ctx, models.MessageQuery{Start: start, End: end, Limit: o.limit})
	if err != nil {
		return models.ObservationData{}, fmt.Errorf("failed to read message history: %w", err)
	}

	obs := Summarize(msgs)
	obs.WindowStart = start
	obs.WindowEnd = end
	obs.Feelings = clampFeelings(o.feelings.Feelings(ctx, msgs))

	o.logger.Info("Observation complete.",
		zap.Int("messages", obs.MessageVolume),
		zap.Int("errors", len(obs.Errors)),
		zap.Int("failures", len(obs.Failures)),
		zap.Int("tools", len(obs.ToolUsage)),
	)
	return obs, nil
}

// Summarize derives topics, errors, tool usage and failures from messages.
// Feelings and the window bounds are left for the caller.
func Summarize(msgs []models.ChatMessage) models.ObservationData {
	obs := models.ObservationData{
		MessageVolume: len(msgs),
		Topics:        []models.TopicCount{},
		Errors:        []string{},
		ToolUsage:     map[string]int{},
		Failures:      []string{},
		FailureKinds:  map[string]int{},
	}

	topicCounts := make([]int, len(TopicVocabulary))
	for _, m := range msgs {
		lower := strings.ToLower(m.Content)

		for i, kw := range TopicVocabulary {
			if strings.Contains(lower, kw) {
				topicCounts[i]++
			}
		}

		if containsAny(lower, errorMarkers) && len(obs.Errors) < maxErrors {
			obs.Errors = append(obs.Errors, excerpt(m.Content, errorExcerptLen))
		}

		if m.ToolName != "" {
			obs.ToolUsage[m.ToolName]++
		}

		for _, fp := range failurePatterns {
			if fp.re.MatchString(m.Content) {
				obs.FailureKinds[fp.kind]++
				if len(obs.Failures) < maxFailures {
					obs.Failures = append(obs.Failures, excerpt(m.Content, failureExcerptLen))
				}
				break
			}
		}
	}

	obs.Topics = topTopics(topicCounts)
	return obs
}

func topTopics(counts []int) []models.TopicCount {
	topics := make([]models.TopicCount, 0, len(counts))
	for i, c := range counts {
		if c > 0 {
			topics = append(topics, models.TopicCount{Topic: TopicVocabulary[i], Count: c})
		}
	}
	// Stable sort keeps vocabulary order among equal counts.
	sort.SliceStable(topics, func(i, j int) bool {
		return topics[i].Count > topics[j].Count
	})
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	return topics
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// excerpt returns the first n characters of s without splitting a rune.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clampFeelings(f models.Feelings) models.Feelings {
	return models.Feelings{
		Satisfaction: clamp01(f.Satisfaction),
		Confusion:    clamp01(f.Confusion),
		Concern:      clamp01(f.Concern),
		Fatigue:      clamp01(f.Fatigue),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
