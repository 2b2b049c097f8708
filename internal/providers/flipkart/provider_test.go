package flipkart

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"pricewatch/internal/domain"
)

const primaryLayoutHTML = `<!DOCTYPE html>
<html><body>
<div class="slAVV4">
  <a class="wjcEIp" title="Acme Phone 128GB" href="/acme-phone/p/itm1">Acme Phone</a>
  <div class="Nx9bqj">₹24,999</div>
  <div class="XQDdHH">4.3</div>
  <span class="Wphh3N">(1,204 Reviews)</span>
</div>
<div class="slAVV4">
  <a class="wjcEIp" title="Acme Phone Lite" href="/acme-phone-lite/p/itm2">Acme Phone Lite</a>
  <div class="Nx9bqj">₹12,499</div>
</div>
<div class="slAVV4">
  <a class="wjcEIp" title="No Price Item" href="/no-price/p/itm3">No Price</a>
</div>
</body></html>`

const alternativeLayoutHTML = `<!DOCTYPE html>
<html><body>
<a class="CGtC98" href="/acme-laptop/p/itm9">
  <div class="KzDlHZ">Acme Laptop 14</div>
  <div class="Nx9bqj">₹54,990</div>
</a>
</body></html>`

func TestFetchParsesPrimaryLayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "acme phone" {
			t.Errorf("query param = %q, want %q", got, "acme phone")
		}
		fmt.Fprint(w, primaryLayoutHTML)
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, BaseURL: "https://www.flipkart.com", Client: srv.Client()})

	items, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "acme phone", MaxPages: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (item without price must be skipped)", len(items))
	}

	first := items[0]
	if first.Name != "Acme Phone 128GB" {
		t.Errorf("name = %q", first.Name)
	}
	if first.URL != "https://www.flipkart.com/acme-phone/p/itm1" {
		t.Errorf("url = %q", first.URL)
	}
	if first.Price <= 0 {
		t.Errorf("price = %v, want > 0", first.Price)
	}
	if first.Rating != 4.3 {
		t.Errorf("rating = %v, want 4.3", first.Rating)
	}
	if first.ReviewCount != 1204 {
		t.Errorf("review count = %d, want 1204", first.ReviewCount)
	}
}

func TestFetchFallsBackToAlternativeLayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, alternativeLayoutHTML)
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	items, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "acme laptop", MaxPages: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Name != "Acme Laptop 14" {
		t.Errorf("name = %q", items[0].Name)
	}
	if items[0].URL != defaultBaseURL+"/acme-laptop/p/itm9" {
		t.Errorf("url = %q", items[0].URL)
	}
}

func TestFetchSkipsFailedPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			http.Error(w, "blocked", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, primaryLayoutHTML)
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	items, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "acme", MaxPages: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 4 {
		t.Errorf("got %d items from 2 good pages, want 4", len(items))
	}
}

func TestFetchErrorsWhenAllPagesFail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	if _, err := p.Fetch(context.Background(), domain.FetchRequest{Query: "acme", MaxPages: 2}); err == nil {
		t.Fatal("expected error when every page fails")
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", calls.Load())
	}
}

func TestFetchAppliesPriceFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryLayoutHTML)
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Client: srv.Client()})

	// ₹24,999 converts to roughly $300, ₹12,499 to roughly $150.
	items, err := p.Fetch(context.Background(), domain.FetchRequest{
		Query:    "acme",
		MaxPages: 1,
		Filters:  domain.SearchFilters{MinPrice: 200},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 after filtering", len(items))
	}
	if items[0].Name != "Acme Phone 128GB" {
		t.Errorf("wrong item survived the filter: %q", items[0].Name)
	}
}
