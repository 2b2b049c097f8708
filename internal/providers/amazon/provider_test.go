package amazon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pricewatch/internal/domain"
)

func pageResponse(next string, results ...searchResult) searchResponse {
	return searchResponse{SearchResults: results, NextPage: next}
}

func serveJSON(t *testing.T, w http.ResponseWriter, body searchResponse) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestFetchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want %q", got, "test-key")
		}
		if got := r.URL.Query().Get("keyword"); got != "headphones" {
			t.Errorf("keyword = %q", got)
		}
		if got := r.URL.Query().Get("country_code"); got != "US" {
			t.Errorf("country_code = %q", got)
		}
		serveJSON(t, w, pageResponse("",
			searchResult{
				Name:        "Acme Headphones",
				SalePrice:   "59.99",
				ProductURL:  "https://www.amazon.com/dp/B000ACME",
				Rating:      "4.5",
				ReviewCount: "2,318",
			},
			searchResult{
				Name:         "Acme Headphones Pro",
				RegularPrice: "$129.99",
				ProductURL:   "https://www.amazon.com/dp/B000ACMEPRO",
			},
			searchResult{
				Name:       "No Price",
				ProductURL: "https://www.amazon.com/dp/B000NOPRICE",
			},
		))
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, APIKey: "test-key", Client: srv.Client()})

	items, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "headphones", MaxPages: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (unpriced result must be skipped)", len(items))
	}
	if items[0].Price != 59.99 {
		t.Errorf("sale price = %v, want 59.99", items[0].Price)
	}
	if items[0].Rating != 4.5 {
		t.Errorf("rating = %v", items[0].Rating)
	}
	if items[0].ReviewCount != 2318 {
		t.Errorf("review count = %d", items[0].ReviewCount)
	}
	if items[1].Price != 129.99 {
		t.Errorf("regular price fallback = %v, want 129.99", items[1].Price)
	}
}

func TestFetchStopsWhenNoNextPage(t *testing.T) {
	requested := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		requested[page]++
		serveJSON(t, w, pageResponse("", searchResult{
			Name:       "Only Item",
			SalePrice:  "10.00",
			ProductURL: "https://www.amazon.com/dp/B0",
		}))
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	items, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "x", MaxPages: 5})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("got %d items, want 1", len(items))
	}
	if len(requested) != 1 || requested["1"] != 1 {
		t.Errorf("requested pages = %v, want only page 1", requested)
	}
}

func TestFetchSkipsFailedPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			serveJSON(t, w, pageResponse("/page2", searchResult{
				Name:       "First",
				SalePrice:  "20.00",
				ProductURL: "https://www.amazon.com/dp/B1",
			}))
		case "2":
			http.Error(w, "throttled", http.StatusTooManyRequests)
		default:
			serveJSON(t, w, pageResponse("", searchResult{
				Name:       "Third",
				SalePrice:  "30.00",
				ProductURL: "https://www.amazon.com/dp/B3",
			}))
		}
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	items, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "x", MaxPages: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("got %d items, want 2 (failed page skipped, third still fetched)", len(items))
	}
}

func TestFetchErrorsWhenAllPagesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	if _, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "x", MaxPages: 2}); err == nil {
		t.Fatal("expected error when no page succeeds")
	}
}

func TestFetchAppliesPriceFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveJSON(t, w, pageResponse("",
			searchResult{Name: "Cheap", SalePrice: "15.00", ProductURL: "https://www.amazon.com/dp/C"},
			searchResult{Name: "Mid", SalePrice: "55.00", ProductURL: "https://www.amazon.com/dp/M"},
			searchResult{Name: "Expensive", SalePrice: "240.00", ProductURL: "https://www.amazon.com/dp/E"},
		))
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	items, err := p.Fetch(context.Background(), domain.FetchRequest{
		Query:    "x",
		MaxPages: 1,
		Filters:  domain.SearchFilters{MinPrice: 20, MaxPrice: 100},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Mid" {
		t.Fatalf("filtered items = %+v, want only Mid", items)
	}
}
