package search

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"pricewatch/internal/domain"
	"pricewatch/internal/metrics"
)

const maxQueryLength = 500

// HandleSearch answers a search immediately. Fresh stored results are
// returned as-is and nothing else happens. Stale or absent results return
// whatever is stored (status "cached" or "pending") together with a freshly
// minted session id, while the source fan-out runs detached from the
// request; the caller attaches a live subscription under that id to see the
// asynchronous updates.
func (s *Service) HandleSearch(ctx context.Context, request domain.SearchRequest) (domain.SearchHandle, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return domain.SearchHandle{}, domain.ErrInvalidQuery
	}
	if len(query) > maxQueryLength {
		return domain.SearchHandle{}, domain.ErrQueryTooLong
	}
	if request.MaxPages < 0 {
		return domain.SearchHandle{}, domain.ErrInvalidPages
	}
	filters := request.Filters
	if filters.MinPrice < 0 || filters.MaxPrice < 0 {
		return domain.SearchHandle{}, domain.ErrInvalidPriceRange
	}
	if filters.MinPrice > 0 && filters.MaxPrice > 0 && filters.MinPrice > filters.MaxPrice {
		return domain.SearchHandle{}, domain.ErrInvalidPriceRange
	}

	pages := request.MaxPages
	if pages == 0 {
		pages = 1
	}
	if pages > s.maxPages {
		pages = s.maxPages
	}

	sources, err := s.resolveSources(ctx, request.Sources)
	if err != nil {
		return domain.SearchHandle{}, err
	}

	cached := make([]domain.Product, 0, len(sources)*s.cachedLimit)
	for _, name := range sources {
		items, err := s.store.Query(ctx, domain.ProductFilter{
			Search:   query,
			Source:   name,
			MinPrice: filters.MinPrice,
			MaxPrice: filters.MaxPrice,
			Limit:    s.cachedLimit,
		})
		if err != nil {
			return domain.SearchHandle{}, fmt.Errorf("read cached products: %w", err)
		}
		cached = append(cached, items...)
	}

	cooldown := s.settings.Cooldown(ctx)
	if len(cached) > 0 && !ShouldFetch(cached, cooldown, s.now()) {
		metrics.SearchesServedTotal.WithLabelValues("fresh").Inc()
		return domain.SearchHandle{Status: domain.SearchStatusCached, Results: cached}, nil
	}

	session := domain.SearchSession{
		ID:        s.newID(),
		Query:     query,
		Filters:   filters,
		Sources:   sources,
		CreatedAt: s.now(),
	}
	s.schedule(session, pages)

	handle := domain.SearchHandle{SessionID: session.ID, Results: cached}
	if len(cached) > 0 {
		handle.Status = domain.SearchStatusCached
		metrics.SearchesServedTotal.WithLabelValues("stale").Inc()
	} else {
		handle.Status = domain.SearchStatusPending
		handle.Results = []domain.Product{}
		metrics.SearchesServedTotal.WithLabelValues("pending").Inc()
	}
	return handle, nil
}

// schedule hands the session to the background pool. The caller keeps no
// reference to the outcome; the orchestration owns its own join barrier.
func (s *Service) schedule(session domain.SearchSession, pages int) {
	metrics.SessionsStartedTotal.Inc()
	go func() {
		if err := s.sessions.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.sessions.Release(1)

		metrics.SessionsActive.Inc()
		defer metrics.SessionsActive.Dec()

		// Detached from the originating request on purpose: the caller
		// already has its response.
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.runSession(ctx, session, pages)
	}()
}

func (s *Service) resolveSources(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) == 0 {
		enabled := make([]string, 0, len(s.order))
		for _, name := range s.order {
			if s.settings.SourceEnabled(ctx, name) {
				enabled = append(enabled, name)
			}
		}
		if len(enabled) == 0 {
			return nil, domain.ErrNoSources
		}
		return enabled, nil
	}

	selected := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, raw := range requested {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if _, ok := s.providers[name]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		if !s.settings.SourceEnabled(ctx, name) {
			s.logger.Debug("requested source is disabled", slog.String("source", name))
			continue
		}
		seen[name] = struct{}{}
		selected = append(selected, name)
	}
	if len(selected) == 0 {
		return nil, domain.ErrNoSources
	}
	return selected, nil
}
