package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pricewatch/internal/domain"
	"pricewatch/internal/live"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type SearchService interface {
	HandleSearch(ctx context.Context, request domain.SearchRequest) (domain.SearchHandle, error)
	Sources(ctx context.Context) []domain.SourceInfo
}

type ProductCatalog interface {
	Query(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error)
}

type ClickRecorder interface {
	Record(ctx context.Context, productID int64) error
	CountByProduct(ctx context.Context, productID int64, since time.Time) (int64, error)
	CountBySource(ctx context.Context, source string, since time.Time) (int64, error)
}

type AdminSettings interface {
	Cooldown(ctx context.Context) time.Duration
	SetCooldown(ctx context.Context, cooldown time.Duration) error
	SourceEnabled(ctx context.Context, name string) bool
	SetSourceEnabled(ctx context.Context, name string, enabled bool) error
}

// Subscriptions is the part of the live registry the WebSocket endpoint
// needs.
type Subscriptions interface {
	Subscribe(sender live.Sender, sessionID string) string
	Resubscribe(connectionID, sessionID string) error
	Unsubscribe(connectionID string)
	SendTo(connectionID string, event domain.Event)
}

type Server struct {
	search   SearchService
	catalog  ProductCatalog
	clicks   ClickRecorder
	settings AdminSettings
	subs     Subscriptions
	logger   *slog.Logger
}

const defaultProductLimit = 100

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithClicks(clicks ClickRecorder) ServerOption {
	return func(s *Server) {
		s.clicks = clicks
	}
}

func WithAdminSettings(settings AdminSettings) ServerOption {
	return func(s *Server) {
		s.settings = settings
	}
}

func WithSubscriptions(subs Subscriptions) ServerOption {
	return func(s *Server) {
		s.subs = subs
	}
}

func NewServer(searchService SearchService, catalog ProductCatalog, options ...ServerOption) *Server {
	server := &Server{
		search:  searchService,
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/products", s.handleProducts)
	mux.HandleFunc("/products/", s.handleProductSubresource)
	mux.HandleFunc("/admin/cooldown", s.handleCooldown)
	mux.HandleFunc("/admin/sources", s.handleAdminSources)
	mux.HandleFunc("/admin/sources/", s.handleAdminSourceToggle)
	mux.HandleFunc("/ws", s.handleWebSocket)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "product-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	pages, err := parseNonNegativeInt(r, "pages", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid pages")
		return
	}
	filters, err := parsePriceFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sources := parseCSV(r.URL.Query().Get("sources"))

	handle, err := s.search.HandleSearch(r.Context(), domain.SearchRequest{
		Query:    query,
		MaxPages: pages,
		Filters:  filters,
		Sources:  sources,
	})
	if err != nil {
		s.logger.Warn("search request rejected",
			slog.String("query", truncate(query, 80)),
			slog.Any("sources", sources),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, domain.ErrInvalidQuery),
			errors.Is(err, domain.ErrQueryTooLong),
			errors.Is(err, domain.ErrInvalidPriceRange),
			errors.Is(err, domain.ErrInvalidPages),
			errors.Is(err, domain.ErrUnknownSource):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, domain.ErrNoSources):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}

	s.logger.Info("search handled",
		slog.String("query", truncate(query, 80)),
		slog.String("status", string(handle.Status)),
		slog.String("sessionId", handle.SessionID),
		slog.Int("results", len(handle.Results)),
	)
	writeJSON(w, http.StatusOK, handle)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/sources" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.search.Sources(r.Context()),
	})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/products" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "product catalog is not configured")
		return
	}

	filters, err := parsePriceFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := parsePositiveInt(r, "limit", defaultProductLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	items, err := s.catalog.Query(r.Context(), domain.ProductFilter{
		Search:   strings.TrimSpace(r.URL.Query().Get("q")),
		Source:   strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source"))),
		MinPrice: filters.MinPrice,
		MaxPrice: filters.MaxPrice,
		Limit:    limit,
	})
	if err != nil {
		s.logger.Error("product listing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "product listing failed")
		return
	}
	if items == nil {
		items = []domain.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleProductSubresource routes /products/{id}/click and
// /products/{id}/clicks.
func (s *Server) handleProductSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/products/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	productID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || productID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid product id")
		return
	}
	if s.clicks == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "click tracking is not configured")
		return
	}

	switch parts[1] {
	case "click":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.clicks.Record(r.Context(), productID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "product not found")
				return
			}
			s.logger.Error("click record failed",
				slog.Int64("productId", productID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "click record failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
	case "clicks":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		hours, err := parsePositiveInt(r, "hours", 24)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid hours")
			return
		}
		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		count, err := s.clicks.CountByProduct(r.Context(), productID, since)
		if err != nil {
			s.logger.Error("click count failed",
				slog.Int64("productId", productID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "click count failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"productId": productID,
			"hours":     hours,
			"clicks":    count,
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/admin/cooldown" {
		http.NotFound(w, r)
		return
	}
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "settings service is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"cooldownMinutes": int(s.settings.Cooldown(r.Context()) / time.Minute),
		})
	case http.MethodPost:
		var payload struct {
			CooldownMinutes int `json:"cooldownMinutes"`
		}
		if err := decodeJSONBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if payload.CooldownMinutes <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "cooldownMinutes must be positive")
			return
		}
		if err := s.settings.SetCooldown(r.Context(), time.Duration(payload.CooldownMinutes)*time.Minute); err != nil {
			s.logger.Error("cooldown update failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "cooldown update failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cooldownMinutes": payload.CooldownMinutes,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAdminSources(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/admin/sources" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	type sourceOverview struct {
		domain.SourceInfo
		Clicks24h int64 `json:"clicks24h"`
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	items := make([]sourceOverview, 0, 4)
	for _, info := range s.search.Sources(r.Context()) {
		overview := sourceOverview{SourceInfo: info}
		if s.clicks != nil {
			count, err := s.clicks.CountBySource(r.Context(), info.Name, since)
			if err != nil {
				s.logger.Warn("source click count failed",
					slog.String("source", info.Name),
					slog.String("error", err.Error()),
				)
			} else {
				overview.Clicks24h = count
			}
		}
		items = append(items, overview)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleAdminSourceToggle routes /admin/sources/{name}/enable|disable.
func (s *Server) handleAdminSourceToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "settings service is not configured")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/sources/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	name := strings.ToLower(strings.TrimSpace(parts[0]))
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source name is required")
		return
	}

	var enabled bool
	switch parts[1] {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		http.NotFound(w, r)
		return
	}

	if !s.knownSource(r.Context(), name) {
		writeError(w, http.StatusNotFound, "not_found", "unknown source: "+name)
		return
	}
	if err := s.settings.SetSourceEnabled(r.Context(), name, enabled); err != nil {
		s.logger.Error("source toggle failed",
			slog.String("source", name),
			slog.Bool("enabled", enabled),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "source toggle failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":  name,
		"enabled": enabled,
	})
}

func (s *Server) knownSource(ctx context.Context, name string) bool {
	if s.search == nil {
		return false
	}
	for _, info := range s.search.Sources(ctx) {
		if info.Name == name {
			return true
		}
	}
	return false
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.ToLower(strings.TrimSpace(part))
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}

func parsePriceFilters(r *http.Request) (domain.SearchFilters, error) {
	var filters domain.SearchFilters
	var err error
	filters.MinPrice, err = parseOptionalFloat(r, "min_price")
	if err != nil {
		return filters, errors.New("invalid min_price")
	}
	filters.MaxPrice, err = parseOptionalFloat(r, "max_price")
	if err != nil {
		return filters, errors.New("invalid max_price")
	}
	return filters, nil
}

func parseOptionalFloat(r *http.Request, key string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, errors.New("invalid value")
	}
	return value, nil
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func parseNonNegativeInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
