// Package flipkart scrapes the Flipkart search results pages. Markup
// classes rotate on their side, so every element is tried against a primary
// and an alternative selector set.
package flipkart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"log/slog"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"

	"pricewatch/internal/domain"
	"pricewatch/internal/providers/common"
)

const (
	defaultEndpoint  = "https://www.flipkart.com/search"
	defaultBaseURL   = "https://www.flipkart.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	// maxConcurrentPages bounds the per-call page fan-out.
	maxConcurrentPages = 5
)

type selectorSet struct {
	product string
	name    string
	price   string
	link    string
}

var (
	primarySelectors = selectorSet{
		product: "div.slAVV4",
		name:    "a.wjcEIp",
		price:   "div.Nx9bqj",
		link:    "a.wjcEIp",
	}
	alternativeSelectors = selectorSet{
		product: "a.CGtC98",
		name:    "div.KzDlHZ",
		price:   "div.Nx9bqj",
		link:    "a.CGtC98",
	}
)

type Config struct {
	Endpoint  string
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
}

type Provider struct {
	client    *http.Client
	endpoint  string
	baseURL   string
	userAgent string
	logger    *slog.Logger
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
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client:    client,
		endpoint:  endpoint,
		baseURL:   baseURL,
		userAgent: userAgent,
		logger:    logger,
	}
}

func (p *Provider) Name() string {
	return "flipkart"
}

func (p *Provider) Info() domain.SourceInfo {
	return domain.SourceInfo{
		Name:  p.Name(),
		Label: "Flipkart",
		Kind:  "scraper",
	}
}

// Fetch scrapes up to MaxPages result pages concurrently. A failed page is
// logged and skipped; the call errors only when every page failed and
// nothing was recoverable.
func (p *Provider) Fetch(ctx context.Context, request domain.FetchRequest) ([]domain.Product, error) {
	pages := request.MaxPages
	if pages <= 0 {
		pages = 1
	}

	sem := semaphore.NewWeighted(maxConcurrentPages)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var items []domain.Product
	var pageErrs []error

	for page := 1; page <= pages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				pageErrs = append(pageErrs, err)
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			pageItems, err := p.fetchPage(ctx, request.Query, page)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("flipkart page failed",
					slog.String("query", request.Query),
					slog.Int("page", page),
					slog.String("error", err.Error()),
				)
				pageErrs = append(pageErrs, err)
				return
			}
			items = append(items, pageItems...)
		}(page)
	}
	wg.Wait()

	if len(pageErrs) == pages {
		return nil, fmt.Errorf("all %d pages failed: %w", pages, errors.Join(pageErrs...))
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

func (p *Provider) fetchPage(ctx context.Context, query string, page int) ([]domain.Product, error) {
	uri, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	values := uri.Query()
	values.Set("q", strings.TrimSpace(query))
	values.Set("page", strconv.Itoa(page))
	uri.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page %d: HTTP %d", page, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("page %d: parse html: %w", page, err)
	}
	return p.parseDocument(doc), nil
}

func (p *Provider) parseDocument(doc *goquery.Document) []domain.Product {
	selectors := primarySelectors
	containers := doc.Find(selectors.product)
	if containers.Length() == 0 {
		selectors = alternativeSelectors
		containers = doc.Find(selectors.product)
	}

	var items []domain.Product
	containers.Each(func(_ int, container *goquery.Selection) {
		item, ok := p.parseContainer(container, selectors)
		if !ok {
			return
		}
		items = append(items, item)
	})
	return items
}

func (p *Provider) parseContainer(container *goquery.Selection, selectors selectorSet) (domain.Product, bool) {
	name := extractName(container, selectors)
	if name == "" {
		return domain.Product{}, false
	}

	priceText := firstText(container, selectors.price, alternativeSelectors.price)
	price, ok := common.ParsePrice(priceText)
	if !ok {
		return domain.Product{}, false
	}

	href := extractHref(container, selectors)
	if href == "" {
		return domain.Product{}, false
	}

	item := domain.Product{
		Name:  name,
		Price: price,
		URL:   p.baseURL + href,
	}
	if ratingText := container.Find("div.XQDdHH").First().Text(); ratingText != "" {
		if rating, err := strconv.ParseFloat(strings.TrimSpace(ratingText), 64); err == nil {
			item.Rating = rating
		}
	}
	if reviewText := container.Find("span.Wphh3N").First().Text(); reviewText != "" {
		item.ReviewCount = parseReviewCount(reviewText)
	}
	return item, true
}

func extractName(container *goquery.Selection, selectors selectorSet) string {
	elem := container.Find(selectors.name).First()
	if elem.Length() == 0 {
		elem = container.Find(alternativeSelectors.name).First()
	}
	if elem.Length() == 0 {
		return ""
	}
	if title, ok := elem.Attr("title"); ok && strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	return strings.TrimSpace(elem.Text())
}

func extractHref(container *goquery.Selection, selectors selectorSet) string {
	if href, ok := container.Find(selectors.link).First().Attr("href"); ok && href != "" {
		return href
	}
	// The alternative layout makes the container itself the anchor.
	if href, ok := container.Attr("href"); ok {
		return href
	}
	return ""
}

func firstText(container *goquery.Selection, selectors ...string) string {
	for _, selector := range selectors {
		if text := strings.TrimSpace(container.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// parseReviewCount pulls the leading integer out of strings like
// "(12,345 Reviews)".
func parseReviewCount(raw string) int {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			continue
		}
		if digits.Len() > 0 && r != ',' {
			break
		}
	}
	count, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return count
}
