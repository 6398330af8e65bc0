// Package basics fetches stock reference data from an HTTP source that serves
// the exchange's listed-security universe as JSON.
package basics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// HTTPProvider implements domain.StockBasicsProvider against a JSON endpoint.
type HTTPProvider struct {
	URL    string
	Client *http.Client
}

// NewHTTPProvider builds a provider with a traced HTTP client.
func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		URL: url,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type basicRow struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	MarketType string `json:"market_type"`
	Industry   string `json:"industry"`
}

// FetchAll downloads the full basics universe.
func (p *HTTPProvider) FetchAll(ctx domain.Context) ([]domain.StockBasic, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=basics.FetchAll: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=basics.FetchAll: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=basics.FetchAll: source status %d", resp.StatusCode)
	}

	var rows []basicRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("op=basics.FetchAll: decode: %w", err)
	}
	now := time.Now().UTC()
	out := make([]domain.StockBasic, 0, len(rows))
	for _, r := range rows {
		if r.Code == "" {
			continue
		}
		out = append(out, domain.StockBasic{
			Code:       r.Code,
			Name:       r.Name,
			MarketType: r.MarketType,
			Industry:   r.Industry,
			UpdatedAt:  now,
		})
	}
	return out, nil
}

var _ domain.StockBasicsProvider = (*HTTPProvider)(nil)
