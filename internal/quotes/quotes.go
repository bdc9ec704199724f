// Package quotes wraps the external quote provider with the retry,
// backoff, and throttling contract spec'd for the overnight pipeline.
// The provider itself (an upstream HTTP equities API) is an external
// collaborator; this package only owns retry/throttle policy around it.
package quotes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-screener/internal/errs"
	"github.com/aristath/sentinel-screener/internal/marketdata"
)

// ProviderErrorKind tags the provider's raw error so the Client can
// classify it without string matching.
type ProviderErrorKind string

const (
	KindRateLimit ProviderErrorKind = "rate_limit"
	KindTransport ProviderErrorKind = "transport"
	KindNotFound  ProviderErrorKind = "not_found"
)

// ProviderError is the tagged error the quote provider contract raises.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ProviderError) Unwrap() error  { return e.Err }

// ErrBatchUnsupported signals FetchBatch should fall back to per-ticker
// requests; it is not itself classified as rate_limit or transport.
var ErrBatchUnsupported = fmt.Errorf("quotes: provider does not support batch requests")

// Provider is the external contract the core depends on: a synchronous
// call returning an ordered candle list, one returning per-ticker
// metadata, or a ProviderError.
type Provider interface {
	FetchHistory(ctx context.Context, ticker, period, interval string) (marketdata.Series, error)
	// FetchBatch returns a series per ticker in one call, or
	// ErrBatchUnsupported if the provider has no batch endpoint.
	FetchBatch(ctx context.Context, tickers []string, period string) (map[string]marketdata.Series, error)
	// FetchInfo returns descriptive metadata (market cap, beta, listing
	// exchange) for one ticker.
	FetchInfo(ctx context.Context, ticker string) (marketdata.TickerMeta, error)
}

// throttle is a single-lock token bucket of capacity 1: at most one
// outbound call proceeds every interval, shared across every caller.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval}
}

func (t *throttle) wait(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	wait := t.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	t.next = now.Add(wait + t.interval)
	t.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client wraps a Provider with exponential-backoff retry on rate-limit,
// a single retry on transport error, and a global per-client throttle.
type Client struct {
	provider        Provider
	maxRetries      int
	retryBackoff    time.Duration
	transportTimeout time.Duration
	throttle        *throttle
	log             zerolog.Logger
}

// Config configures the retry/throttle policy, derived from the
// quote.* keys in the pipeline config.
type Config struct {
	BaseDelaySec    float64
	MaxRetries      int
	RetryBackoffSec float64
}

// New constructs a Client. The transport timeout matches spec.md §5's
// default hard timeout of 30s per provider call.
func New(provider Provider, cfg Config, log zerolog.Logger) *Client {
	return &Client{
		provider:         provider,
		maxRetries:       cfg.MaxRetries,
		retryBackoff:     time.Duration(cfg.RetryBackoffSec * float64(time.Second)),
		transportTimeout: 30 * time.Second,
		throttle:         newThrottle(time.Duration(cfg.BaseDelaySec * float64(time.Second))),
		log:              log.With().Str("component", "quote_client").Logger(),
	}
}

// FetchCandles fetches a single ticker's series, retrying on rate-limit
// up to maxRetries times (sleeping retryBackoff·2^(attempt-1) before
// each retry) and once on transport error.
func (c *Client) FetchCandles(ctx context.Context, ticker, period, interval string) (marketdata.Series, error) {
	var transportRetried bool
	for attempt := 0; ; attempt++ {
		if err := c.throttle.wait(ctx); err != nil {
			return nil, errs.New(errs.Cancelled, ticker, err)
		}

		series, err := c.callWithTimeout(ctx, ticker, period, interval)
		if err == nil {
			if verr := series.Validate(); verr != nil {
				return nil, errs.New(errs.Transport, ticker, verr)
			}
			return series, nil
		}

		var perr *ProviderError
		kind := classifyErr(err, &perr)

		switch kind {
		case KindRateLimit:
			if attempt >= c.maxRetries {
				return nil, errs.New(errs.RateLimited, ticker, err)
			}
			wait := time.Duration(1<<uint(attempt)) * c.retryBackoff
			c.log.Warn().Str("ticker", ticker).Int("attempt", attempt+1).Dur("wait", wait).Msg("rate limited, retrying")
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return nil, errs.New(errs.Cancelled, ticker, sleepErr)
			}
		case KindTransport:
			if transportRetried {
				return nil, errs.New(errs.Transport, ticker, err)
			}
			transportRetried = true
			c.log.Warn().Str("ticker", ticker).Err(err).Msg("transport error, retrying once")
		default:
			return nil, errs.New(errs.Transport, ticker, err)
		}
	}
}

// FetchBatch requests all tickers in one provider call where supported;
// the single batch call counts as one throttled call. On batch failure
// (including ErrBatchUnsupported) it falls back to per-ticker requests.
func (c *Client) FetchBatch(ctx context.Context, tickers []string, period, interval string) (map[string]marketdata.Series, map[string]error) {
	if err := c.throttle.wait(ctx); err == nil {
		result, berr := c.provider.FetchBatch(ctx, tickers, period)
		if berr == nil {
			errsOut := map[string]error{}
			for _, t := range tickers {
				if s, ok := result[t]; ok {
					if verr := s.Validate(); verr == nil {
						continue
					}
				}
				errsOut[t] = errs.New(errs.InsufficientData, t, fmt.Errorf("missing or invalid series in batch response"))
			}
			clean := map[string]marketdata.Series{}
			for k, v := range result {
				if v.Validate() == nil {
					clean[k] = v
				}
			}
			return clean, errsOut
		}
	}

	// Fallback: per-ticker, still throttled by FetchCandles itself.
	series := map[string]marketdata.Series{}
	errsOut := map[string]error{}
	for _, t := range tickers {
		s, err := c.FetchCandles(ctx, t, period, interval)
		if err != nil {
			errsOut[t] = err
			continue
		}
		series[t] = s
	}
	return series, errsOut
}

// FetchInfo fetches one ticker's metadata, throttled alongside candle
// requests but not retried beyond the one rate-limit/transport
// classification: a stale or missing info entry degrades the Scanner's
// screening score gracefully rather than blocking the scan.
func (c *Client) FetchInfo(ctx context.Context, ticker string) (marketdata.TickerMeta, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return marketdata.TickerMeta{}, errs.New(errs.Cancelled, ticker, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.transportTimeout)
	defer cancel()

	meta, err := c.provider.FetchInfo(callCtx, ticker)
	if err != nil {
		var perr *ProviderError
		kind := classifyErr(err, &perr)
		if kind == KindRateLimit {
			return marketdata.TickerMeta{}, errs.New(errs.RateLimited, ticker, err)
		}
		return marketdata.TickerMeta{}, errs.New(errs.Transport, ticker, err)
	}
	return meta, nil
}

func (c *Client) callWithTimeout(ctx context.Context, ticker, period, interval string) (marketdata.Series, error) {
	ctx, cancel := context.WithTimeout(ctx, c.transportTimeout)
	defer cancel()
	return c.provider.FetchHistory(ctx, ticker, period, interval)
}

func classifyErr(err error, dst **ProviderError) ProviderErrorKind {
	if pe, ok := err.(*ProviderError); ok {
		*dst = pe
		return pe.Kind
	}
	return KindTransport
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
