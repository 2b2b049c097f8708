// Package settings holds the externally configured orchestration knobs:
// the refetch cooldown and the per-source enabled flags. State lives in an
// optional Redis-backed store and is mirrored in memory, so reads on the
// search path never touch the network.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultCooldown = 10 * time.Minute

// State is the persisted shape of the settings blob.
type State struct {
	CooldownMinutes int             `json:"cooldownMinutes,omitempty"`
	Sources         map[string]bool `json:"sources,omitempty"`
}

// Store persists settings across restarts. A nil store keeps everything
// in memory only.
type Store interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, state State) error
}

type Service struct {
	mu       sync.RWMutex
	cooldown time.Duration
	sources  map[string]bool
	store    Store
	logger   *slog.Logger
}

// NewService seeds the enabled flags for the known sources (all enabled by
// default, matching fresh installs) and overlays whatever the store holds.
func NewService(ctx context.Context, store Store, knownSources []string, defaultCooldown time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultCooldown <= 0 {
		defaultCooldown = DefaultCooldown
	}

	svc := &Service{
		cooldown: defaultCooldown,
		sources:  make(map[string]bool, len(knownSources)),
		store:    store,
		logger:   logger,
	}
	for _, name := range knownSources {
		key := normalizeSource(name)
		if key != "" {
			svc.sources[key] = true
		}
	}

	if store != nil {
		state, ok, err := store.Load(ctx)
		if err != nil {
			logger.Warn("settings load failed, using defaults", slog.String("error", err.Error()))
		} else if ok {
			svc.apply(state)
		}
	}
	return svc
}

func (s *Service) apply(state State) {
	if state.CooldownMinutes > 0 {
		s.cooldown = time.Duration(state.CooldownMinutes) * time.Minute
	}
	for name, enabled := range state.Sources {
		key := normalizeSource(name)
		if _, known := s.sources[key]; known {
			s.sources[key] = enabled
		}
	}
}

// Cooldown returns the minimum age stored results must reach before a
// refetch is considered necessary.
func (s *Service) Cooldown(_ context.Context) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cooldown
}

func (s *Service) SetCooldown(ctx context.Context, cooldown time.Duration) error {
	if cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	s.mu.Lock()
	s.cooldown = cooldown
	s.mu.Unlock()
	return s.persist(ctx)
}

func (s *Service) SourceEnabled(_ context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, known := s.sources[normalizeSource(name)]
	return known && enabled
}

func (s *Service) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	key := normalizeSource(name)
	s.mu.Lock()
	if _, known := s.sources[key]; !known {
		s.mu.Unlock()
		return errors.New("unknown source: " + name)
	}
	s.sources[key] = enabled
	s.mu.Unlock()
	return s.persist(ctx)
}

// Snapshot returns the current state for the admin surface.
func (s *Service) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources := make(map[string]bool, len(s.sources))
	for name, enabled := range s.sources {
		sources[name] = enabled
	}
	return State{
		CooldownMinutes: int(s.cooldown / time.Minute),
		Sources:         sources,
	}
}

func (s *Service) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(ctx, s.Snapshot())
}

func normalizeSource(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

const defaultRedisKey = "search:settings:v1"

// RedisStore keeps the settings blob as one JSON value in Redis.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if client == nil {
		return nil
	}
	storeKey := strings.TrimSpace(key)
	if storeKey == "" {
		storeKey = defaultRedisKey
	}
	return &RedisStore{client: client, key: storeKey}
}

func (s *RedisStore) Load(ctx context.Context) (State, bool, error) {
	if s == nil || s.client == nil {
		return State{}, false, nil
	}
	raw, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

func (s *RedisStore) Save(ctx context.Context, state State) error {
	if s == nil || s.client == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, payload, 0).Err()
}
