// Package httpquote implements quotes.Provider against the chart-style
// JSON HTTP API spec.md §6 describes as the quote provider's consumed
// contract, grounded on trader-go/internal/clients/yahoo/client.go's
// GetHistoricalPrices chart-endpoint shape (request construction,
// header set, and response envelope) for candle history, and its
// getQuoteInfo quote-summary shape for ticker metadata. No fundamentals,
// analyst, or batch-quote endpoints beyond those two are carried over.
package httpquote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aristath/sentinel-screener/internal/marketdata"
	"github.com/aristath/sentinel-screener/internal/quotes"
)

// Client implements quotes.Provider over an upstream chart-style API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	quoteURL   string
	apiKey     string
}

// New constructs a Client. baseURL defaults to the Yahoo Finance chart
// endpoint root when empty, with the quote-summary endpoint (used by
// FetchInfo) defaulting alongside it; apiKey is sent as a header when
// non-empty (QUOTE_API_KEY, spec.md §6). A non-empty baseURL override
// (tests point this at an httptest server) is reused for both endpoints.
func New(baseURL, apiKey string) *Client {
	quoteURL := "https://query1.finance.yahoo.com/v7/finance/quote"
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com/v8/finance/chart"
	} else {
		quoteURL = baseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		quoteURL:   quoteURL,
		apiKey:     apiKey,
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error interface{} `json:"error"`
	} `json:"chart"`
}

// FetchHistory implements quotes.Provider, returning a tagged
// quotes.ProviderError so the retry/throttle Client can classify
// failures without string matching.
func (c *Client) FetchHistory(ctx context.Context, ticker, period, interval string) (marketdata.Series, error) {
	reqURL := c.baseURL + "/" + url.QueryEscape(ticker) + "?" +
		url.Values{"interval": {interval}, "range": {period}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, &quotes.ProviderError{Kind: quotes.KindRateLimit, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case http.StatusNotFound:
		return nil, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}
	if parsed.Chart.Error != nil {
		return nil, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: fmt.Errorf("%v", parsed.Chart.Error)}
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: fmt.Errorf("no chart result for %s", ticker)}
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: fmt.Errorf("no quote data for %s", ticker)}
	}
	q := result.Indicators.Quote[0]

	series := make(marketdata.Series, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(q.Close) {
			break
		}
		series = append(series, marketdata.Candle{
			TS:     time.Unix(ts, 0).UTC(),
			Open:   valueAt(q.Open, i),
			High:   valueAt(q.High, i),
			Low:    valueAt(q.Low, i),
			Close:  valueAt(q.Close, i),
			Volume: valueAt(q.Volume, i),
		})
	}
	return series, nil
}

// FetchBatch always signals ErrBatchUnsupported: the consumed contract
// (spec.md §6) documents only a single-ticker fetch_history call, so the
// retry Client's per-ticker fallback is the only path this provider uses.
func (c *Client) FetchBatch(ctx context.Context, tickers []string, period string) (map[string]marketdata.Series, error) {
	return nil, quotes.ErrBatchUnsupported
}

type quoteInfoResponse struct {
	QuoteResponse struct {
		Result []struct {
			MarketCap        float64 `json:"marketCap"`
			Beta             float64 `json:"beta"`
			FullExchangeName string  `json:"fullExchangeName"`
		} `json:"result"`
		Error interface{} `json:"error"`
	} `json:"quoteResponse"`
}

// FetchInfo implements quotes.Provider's metadata lookup against the
// same quote-summary endpoint shape as
// trader-go/internal/clients/yahoo/client.go's getQuoteInfo, trimmed to
// the three fields the Scanner's screening score needs.
func (c *Client) FetchInfo(ctx context.Context, ticker string) (marketdata.TickerMeta, error) {
	reqURL := c.quoteURL + "?" + url.Values{
		"symbols": {ticker},
		"fields":  {"marketCap,beta,fullExchangeName"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindRateLimit, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case http.StatusNotFound:
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindTransport, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var parsed quoteInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindTransport, Err: err}
	}
	if parsed.QuoteResponse.Error != nil {
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: fmt.Errorf("%v", parsed.QuoteResponse.Error)}
	}
	if len(parsed.QuoteResponse.Result) == 0 {
		return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: fmt.Errorf("no quote data for %s", ticker)}
	}

	r := parsed.QuoteResponse.Result[0]
	return marketdata.TickerMeta{MarketCap: r.MarketCap, Beta: r.Beta, Exchange: r.FullExchangeName}, nil
}

func valueAt(xs []float64, i int) float64 {
	if i < 0 || i >= len(xs) {
		return 0
	}
	return xs[i]
}
