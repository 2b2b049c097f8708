package domain

import (
	"strings"
	"time"
)

// Product is one normalized observation of a listing on an external source.
// (URL, Source) is the natural key: two observations sharing it describe the
// same listing and collapse into a single stored row.
type Product struct {
	ID          int64     `json:"id,omitempty"`
	Name        string    `json:"name"`
	Price       float64   `json:"price"`
	URL         string    `json:"url"`
	Rating      float64   `json:"rating,omitempty"`
	ReviewCount int       `json:"reviewCount,omitempty"`
	Query       string    `json:"query,omitempty"`
	Source      string    `json:"source,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Key returns the natural key of the observation.
func (p Product) Key() ProductKey {
	return ProductKey{URL: p.URL, Source: strings.ToLower(strings.TrimSpace(p.Source))}
}

type ProductKey struct {
	URL    string
	Source string
}

// SearchFilters carries the optional price bounds of a search. Zero means
// no constraint; bounds are inclusive.
type SearchFilters struct {
	MinPrice float64 `json:"minPrice,omitempty"`
	MaxPrice float64 `json:"maxPrice,omitempty"`
}

func (f SearchFilters) Empty() bool {
	return f.MinPrice <= 0 && f.MaxPrice <= 0
}

// Matches reports whether a price satisfies the bounds.
func (f SearchFilters) Matches(price float64) bool {
	if f.MinPrice > 0 && price < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && price > f.MaxPrice {
		return false
	}
	return true
}

// SearchRequest is one incoming product-search query.
type SearchRequest struct {
	Query    string
	MaxPages int
	Filters  SearchFilters
	// Sources optionally restricts which providers to use. Empty means
	// every enabled provider.
	Sources []string
}

// FetchRequest is what a source provider receives.
type FetchRequest struct {
	Query    string
	MaxPages int
	Filters  SearchFilters
}

// ProductFilter selects stored products. Absent fields impose no constraint.
type ProductFilter struct {
	// Search matches when every whitespace token appears case-insensitively
	// in either the stored name or the stored query provenance field.
	Search   string
	Source   string
	MinPrice float64
	MaxPrice float64
	Limit    int
}

// SearchSession is the ephemeral orchestration context for one triggered
// fetch. It is never persisted and exists only while the fan-out and its
// subscribers are relevant. The ID is a correlation key, not a security
// token.
type SearchSession struct {
	ID        string
	Query     string
	Filters   SearchFilters
	Sources   []string
	CreatedAt time.Time
}

type SearchStatus string

const (
	// SearchStatusCached means stored results were returned; when a
	// session id accompanies it, a refresh is running in the background.
	SearchStatusCached SearchStatus = "cached"
	// SearchStatusPending means nothing was stored yet; results arrive
	// only through the session's event stream.
	SearchStatusPending SearchStatus = "pending"
)

// SearchHandle is the immediate answer to a search request.
type SearchHandle struct {
	Status    SearchStatus `json:"status"`
	SessionID string       `json:"sessionId,omitempty"`
	Results   []Product    `json:"results"`
}

// SourceInfo describes a configured provider.
type SourceInfo struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}
