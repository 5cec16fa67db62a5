package synthesizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TitleLoader reads the titles of proposals put forward since a point in time.
type TitleLoader interface {
	RecentProposalTitles(ctx context.Context, since time.Time) ([]string, error)
}

// TitleHistory caches recently proposed titles for novelty scoring.
// It is created at startup, refreshed at the start of every cycle and
// cleared on shutdown.
type TitleHistory struct {
	lookback time.Duration

	mu       sync.RWMutex
	titles   map[string]struct{}
	loadedAt time.Time
}

// NewTitleHistory creates an empty history covering the given lookback.
func NewTitleHistory(lookback time.Duration) *TitleHistory {
	return &TitleHistory{
		lookback: lookback,
		titles:   make(map[string]struct{}),
	}
}

// Refresh replaces the cached titles with those stored since now-lookback.
func (h *TitleHistory) Refresh(ctx context.Context, loader TitleLoader, now time.Time) error {
	titles, err := loader.RecentProposalTitles(ctx, now.Add(-h.lookback))
	if err != nil {
		return fmt.Errorf("failed to load proposal history: %w", err)
	}

	fresh := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		fresh[normalizeTitle(t)] = struct{}{}
	}

	h.mu.Lock()
	h.titles = fresh
	h.loadedAt = now
	h.mu.Unlock()
	return nil
}

// Seen implements History.
func (h *TitleHistory) Seen(title string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.titles[normalizeTitle(title)]
	return ok
}

// Len returns the number of cached titles.
func (h *TitleHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.titles)
}

// LoadedAt is when the history was last refreshed.
func (h *TitleHistory) LoadedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loadedAt
}

// Close drops the cached titles.
func (h *TitleHistory) Close() {
	h.mu.Lock()
	h.titles = make(map[string]struct{})
	h.loadedAt = time.Time{}
	h.mu.Unlock()
}

func normalizeTitle(t string) string {
	return strings.ToLower(strings.Join(strings.Fields(t), " "))
}
