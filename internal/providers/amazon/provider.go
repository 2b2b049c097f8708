// Package amazon fetches Amazon listings through the ScrapeHero product
// search API rather than scraping the storefront directly.
package amazon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"log/slog"

	"pricewatch/internal/domain"
	"pricewatch/internal/providers/common"
)

const (
	defaultEndpoint    = "https://get.scrapehero.com/amz/keyword-search/"
	defaultCountryCode = "US"
)

type Config struct {
	Endpoint    string
	APIKey      string
	CountryCode string
	Client      *http.Client
	Logger      *slog.Logger
}

type Provider struct {
	client      *http.Client
	endpoint    string
	apiKey      string
	countryCode string
	logger      *slog.Logger
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	countryCode := strings.TrimSpace(cfg.CountryCode)
	if countryCode == "" {
		countryCode = defaultCountryCode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client:      client,
		endpoint:    endpoint,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		countryCode: countryCode,
		logger:      logger,
	}
}

func (p *Provider) Name() string {
	return "amazon"
}

func (p *Provider) Info() domain.SourceInfo {
	return domain.SourceInfo{
		Name:  p.Name(),
		Label: "Amazon",
		Kind:  "api",
	}
}

type searchResponse struct {
	SearchResults []searchResult `json:"search_results"`
	NextPage      string         `json:"next_page"`
}

type searchResult struct {
	Name         string `json:"name"`
	SalePrice    string `json:"sale_price"`
	RegularPrice string `json:"regular_price"`
	ProductURL   string `json:"product_url"`
	Rating       string `json:"rating"`
	ReviewCount  string `json:"review_count"`
}

// Fetch walks the API pages sequentially, stopping early when the API
// reports no further page. A failed page is logged and skipped; the call
// errors only when not a single page succeeded.
func (p *Provider) Fetch(ctx context.Context, request domain.FetchRequest) ([]domain.Product, error) {
	pages := request.MaxPages
	if pages <= 0 {
		pages = 1
	}

	var items []domain.Product
	var lastErr error
	succeeded := 0

	for page := 1; page <= pages; page++ {
		body, err := p.fetchPage(ctx, request.Query, page)
		if err != nil {
			p.logger.Warn("amazon page failed",
				slog.String("query", request.Query),
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}
		succeeded++
		items = append(items, parseResults(body.SearchResults)...)
		if body.NextPage == "" {
			break
		}
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("no pages fetched: %w", lastErr)
	}

	if !request.Filters.Empty() {
		filtered := items[:0]
		for _, item := range items {
			if request.Filters.Matches(item.Price) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	return items, nil
}

func (p *Provider) fetchPage(ctx context.Context, query string, page int) (*searchResponse, error) {
	uri, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	values := uri.Query()
	values.Set("keyword", strings.TrimSpace(query))
	values.Set("country_code", p.countryCode)
	values.Set("page", strconv.Itoa(page))
	uri.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("page %d: HTTP %d", page, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("page %d: decode response: %w", page, err)
	}
	return &body, nil
}

func parseResults(results []searchResult) []domain.Product {
	items := make([]domain.Product, 0, len(results))
	for _, result := range results {
		name := strings.TrimSpace(result.Name)
		productURL := strings.TrimSpace(result.ProductURL)
		if name == "" || productURL == "" {
			continue
		}

		raw := result.SalePrice
		if strings.TrimSpace(raw) == "" {
			raw = result.RegularPrice
		}
		price, ok := parseAPIPrice(raw)
		if !ok {
			continue
		}

		item := domain.Product{
			Name:  name,
			Price: price,
			URL:   productURL,
		}
		if rating, err := strconv.ParseFloat(strings.TrimSpace(result.Rating), 64); err == nil {
			item.Rating = rating
		}
		item.ReviewCount = parseReviewCount(result.ReviewCount)
		items = append(items, item)
	}
	return items
}

// parseAPIPrice handles both bare numbers ("129.99") and symbol-prefixed
// strings ("$129.99") coming back from the API.
func parseAPIPrice(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if raw[0] >= '0' && raw[0] <= '9' {
		raw = "$" + raw
	}
	return common.ParsePrice(raw)
}

func parseReviewCount(raw string) int {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	count, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return count
}
