package search

import (
	"time"

	"pricewatch/internal/domain"
)

// ShouldFetch decides whether stored results for a query are stale enough to
// warrant a new fan-out. With nothing cached it always fetches. Otherwise
// staleness is judged on the single most recent observation across all
// sources, so a fast-moving source can mask the staleness of a slow one.
// Pure function; timestamps are normalized to UTC before comparison.
func ShouldFetch(cached []domain.Product, cooldown time.Duration, now time.Time) bool {
	if len(cached) == 0 {
		return true
	}
	var latest time.Time
	for _, item := range cached {
		observed := item.ObservedAt.UTC()
		if observed.After(latest) {
			latest = observed
		}
	}
	return now.UTC().Sub(latest) >= cooldown
}
