package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"pricewatch/internal/domain"
)

// Provider is one independent external data source. A provider fails on its
// own; the orchestrator never lets one provider's failure reach another.
type Provider interface {
	Name() string
	Info() domain.SourceInfo
	Fetch(ctx context.Context, request domain.FetchRequest) ([]domain.Product, error)
}

// Store is the reconciliation layer over the persistent table of products.
type Store interface {
	// Upsert writes a batch atomically, collapsing items onto their
	// (url, source) key, and returns the canonical stored rows.
	Upsert(ctx context.Context, items []domain.Product) ([]domain.Product, error)
	Query(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error)
}

// Broadcaster delivers session events to whoever is subscribed. Delivery is
// fire-and-forget: a session with no subscribers is a silent no-op.
type Broadcaster interface {
	Publish(sessionID string, event domain.Event)
}

// Settings exposes the externally configured orchestration knobs.
type Settings interface {
	Cooldown(ctx context.Context) time.Duration
	SourceEnabled(ctx context.Context, name string) bool
}

type Service struct {
	providers map[string]Provider
	order     []string
	store     Store
	settings  Settings
	broadcast Broadcaster
	logger    *slog.Logger

	timeout     time.Duration
	maxPages    int
	cachedLimit int

	// sessions bounds how many orchestrations may run at once; waiting for
	// a slot happens inside the detached goroutine, never in the caller.
	sessions *semaphore.Weighted

	now   func() time.Time
	newID func() string
}

type ServiceOption func(*Service)

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMaxPages(pages int) ServiceOption {
	return func(s *Service) {
		if pages > 0 {
			s.maxPages = pages
		}
	}
}

func WithCachedLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.cachedLimit = limit
		}
	}
}

func WithSessionLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.sessions = semaphore.NewWeighted(int64(limit))
		}
	}
}

func withClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func withIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		s.newID = newID
	}
}

const (
	defaultMaxPages     = 5
	defaultCachedLimit  = 50
	defaultSessionLimit = 8
	defaultTimeout      = 30 * time.Second
)

func NewService(providers []Provider, store Store, settings Settings, broadcast Broadcaster, timeout time.Duration, opts ...ServiceOption) *Service {
	registry := make(map[string]Provider, len(providers))
	order := make([]string, 0, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Name()))
		if name == "" {
			continue
		}
		if _, exists := registry[name]; exists {
			continue
		}
		registry[name] = provider
		order = append(order, name)
	}
	sort.Strings(order)

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	svc := &Service{
		providers:   registry,
		order:       order,
		store:       store,
		settings:    settings,
		broadcast:   broadcast,
		logger:      slog.Default(),
		timeout:     timeout,
		maxPages:    defaultMaxPages,
		cachedLimit: defaultCachedLimit,
		sessions:    semaphore.NewWeighted(defaultSessionLimit),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Sources lists the configured providers with their current enabled state.
func (s *Service) Sources(ctx context.Context) []domain.SourceInfo {
	infos := make([]domain.SourceInfo, 0, len(s.order))
	for _, name := range s.order {
		info := s.providers[name].Info()
		if info.Name == "" {
			info.Name = name
		}
		if info.Label == "" {
			info.Label = info.Name
		}
		info.Enabled = s.settings.SourceEnabled(ctx, name)
		infos = append(infos, info)
	}
	return infos
}
