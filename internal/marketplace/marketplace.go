// Package marketplace abstracts the listing source. The monitor core
// only needs "give me the current candidates for a query"; browser
// automation, selectors, and anti-bot concerns live behind the Adapter
// boundary and are not part of this repository.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketwatch/internal/config"
	"marketwatch/internal/model"
)

// Adapter fetches candidate products for a search query.
type Adapter interface {
	SearchProducts(ctx context.Context, query string) ([]model.Product, error)
}

// NewFromConfig selects an adapter implementation by name.
func NewFromConfig(cfg config.Config) (Adapter, error) {
	switch cfg.Adapter {
	case "mock":
		return NewMockAdapter(), nil
	case "http-json":
		return NewHTTPJSONAdapter(cfg.MarketplaceBaseURL)
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}

// HTTPJSONAdapter talks to a generic search API:
//
//	GET {base}/api/search?q=<query>
//	  -> {"products":[{...}]} or a bare [{...}] array
//
// Real connectors belong in a private deployment; this shape is the
// smallest useful contract.
type HTTPJSONAdapter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPJSONAdapter(baseURL string) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	return &HTTPJSONAdapter{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func (a *HTTPJSONAdapter) SearchProducts(ctx context.Context, query string) ([]model.Product, error) {
	u := a.baseURL + "/api/search?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "marketwatch/0.1")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search %q: status %d", query, resp.StatusCode)
	}

	var wrapped struct {
		Products []model.Product `json:"products"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Products != nil {
		return valid(wrapped.Products), nil
	}
	var bare []model.Product
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return valid(bare), nil
}

func valid(in []model.Product) []model.Product {
	out := make([]model.Product, 0, len(in))
	for _, p := range in {
		if strings.TrimSpace(p.ID) == "" || p.Price < 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// MockAdapter synthesizes a deterministic result set per query, offline.
// IDs are stable across calls so the novelty store dedups them the same
// way it would real listings.
type MockAdapter struct {
	perQuery int
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{perQuery: 8}
}

func (a *MockAdapter) SearchProducts(_ context.Context, query string) ([]model.Product, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(query))
	seed := h.Sum32()

	out := make([]model.Product, 0, a.perQuery)
	for i := 0; i < a.perQuery; i++ {
		id := fmt.Sprintf("m%08d", seed%10_000_000+uint32(i))
		out = append(out, model.Product{
			ID:       id,
			Title:    fmt.Sprintf("%s item %d", query, i+1),
			Price:    int(seed%90_000) + 500 + i*100,
			URL:      "https://marketplace.example/item/" + id,
			ImageURL: "",
		})
	}
	return out, nil
}
