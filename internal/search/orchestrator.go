package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"

	"pricewatch/internal/domain"
	"pricewatch/internal/metrics"
)

// maxConcurrentSources bounds the per-session fan-out so a session with many
// enabled sources cannot exhaust outbound connections.
const maxConcurrentSources = 10

// runSession fans one triggered fetch out across the session's sources.
// Every source runs independently: a fetch or store failure is logged,
// counted, and absorbed without touching its siblings. The completion event
// is a join barrier over every launched source, published exactly once.
func (s *Service) runSession(ctx context.Context, session domain.SearchSession, pages int) {
	startedAt := s.now()
	s.logger.Info("search session started",
		slog.String("sessionId", session.ID),
		slog.String("query", session.Query),
		slog.Any("sources", session.Sources),
		slog.Int("pages", pages),
	)

	sem := semaphore.NewWeighted(maxConcurrentSources)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var contributed []string

	for _, name := range session.Sources {
		provider, ok := s.providers[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, provider Provider) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				s.logger.Warn("source skipped, session cancelled",
					slog.String("sessionId", session.ID),
					slog.String("source", name),
				)
				return
			}
			defer sem.Release(1)

			stored, ok := s.fetchSource(ctx, session, provider, name, pages)
			if !ok {
				return
			}

			event, err := domain.NewUpdateEvent(session.Query, name, stored)
			if err != nil {
				s.logger.Error("update event rejected", slog.String("error", err.Error()))
				return
			}
			s.broadcast.Publish(session.ID, event)

			if len(stored) > 0 {
				mu.Lock()
				contributed = append(contributed, name)
				mu.Unlock()
			}
		}(name, provider)
	}
	wg.Wait()

	sort.Strings(contributed)
	complete, err := domain.NewCompleteEvent(session.Query, contributed)
	if err != nil {
		s.logger.Error("complete event rejected", slog.String("error", err.Error()))
		return
	}
	s.broadcast.Publish(session.ID, complete)

	s.logger.Info("search session completed",
		slog.String("sessionId", session.ID),
		slog.String("query", session.Query),
		slog.Int("launched", len(session.Sources)),
		slog.Int("contributed", len(contributed)),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
	)
}

// fetchSource runs one source: fetch, stamp provenance, write through the
// store. It returns the canonical stored rows so subscribers see stable
// identities, and false when the source failed for this session.
func (s *Service) fetchSource(ctx context.Context, session domain.SearchSession, provider Provider, name string, pages int) ([]domain.Product, bool) {
	fetchStartedAt := time.Now()
	items, err := provider.Fetch(ctx, domain.FetchRequest{
		Query:    session.Query,
		MaxPages: pages,
		Filters:  session.Filters,
	})
	elapsed := time.Since(fetchStartedAt)
	metrics.SourceFetchDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		metrics.SourceFetchesTotal.WithLabelValues(name, "error").Inc()
		s.logger.Warn("source fetch failed",
			slog.String("sessionId", session.ID),
			slog.String("source", name),
			slog.String("query", session.Query),
			slog.Int64("elapsedMs", elapsed.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	metrics.SourceFetchesTotal.WithLabelValues(name, "ok").Inc()

	observedAt := s.now().UTC()
	stamped := make([]domain.Product, 0, len(items))
	for _, item := range items {
		item.Source = name
		item.Query = session.Query
		if item.ObservedAt.IsZero() {
			item.ObservedAt = observedAt
		}
		stamped = append(stamped, item)
	}

	stored, err := s.store.Upsert(ctx, stamped)
	if err != nil {
		// The batch is all-or-nothing, so nothing reached the store;
		// treat the whole source as failed for this session.
		s.logger.Warn("source batch write failed",
			slog.String("sessionId", session.ID),
			slog.String("source", name),
			slog.Int("items", len(stamped)),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	metrics.ProductsUpsertedTotal.WithLabelValues(name).Add(float64(len(stored)))

	s.logger.Info("source completed",
		slog.String("sessionId", session.ID),
		slog.String("source", name),
		slog.Int("items", len(stored)),
		slog.Int64("elapsedMs", elapsed.Milliseconds()),
	)
	return stored, true
}
