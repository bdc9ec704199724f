package marketmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-screener/internal/marketdata"
	"github.com/aristath/sentinel-screener/internal/quotes"
	"github.com/aristath/sentinel-screener/internal/universe"
)

type fakeProvider struct {
	series map[string]marketdata.Series
}

func (f *fakeProvider) FetchHistory(ctx context.Context, ticker, period, interval string) (marketdata.Series, error) {
	s, ok := f.series[ticker]
	if !ok {
		return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: context.DeadlineExceeded}
	}
	return s, nil
}

func (f *fakeProvider) FetchBatch(ctx context.Context, tickers []string, period string) (map[string]marketdata.Series, error) {
	return nil, quotes.ErrBatchUnsupported
}

func (f *fakeProvider) FetchInfo(ctx context.Context, ticker string) (marketdata.TickerMeta, error) {
	return marketdata.TickerMeta{}, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: context.DeadlineExceeded}
}

func risingSeries(days int, start float64) marketdata.Series {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := make(marketdata.Series, days)
	price := start
	for i := 0; i < days; i++ {
		s[i] = marketdata.Candle{TS: base.AddDate(0, 0, i), Close: price}
		price *= 1.005
	}
	return s
}

func newMonitor(provider *fakeProvider) *Monitor {
	qc := quotes.New(provider, quotes.Config{BaseDelaySec: 0, MaxRetries: 0, RetryBackoffSec: 0.001}, zerolog.Nop())
	return New(qc, zerolog.Nop())
}

func TestSnapshot_ComputesIndexChanges(t *testing.T) {
	provider := &fakeProvider{series: map[string]marketdata.Series{
		"^AXJO": risingSeries(30, 7000),
	}}
	m := newMonitor(provider)
	u := universe.Universe{Name: "au", IndexSymbol: "^AXJO"}

	s, warning := m.Snapshot(context.Background(), u)
	assert.Empty(t, warning)
	assert.Greater(t, s.IndexChange1D, 0.0)
	assert.Greater(t, s.IndexChange14D, 0.0)
	assert.GreaterOrEqual(t, s.SentimentScore, 0.0)
	assert.LessOrEqual(t, s.SentimentScore, 100.0)
}

func TestSnapshot_MissingIndexReturnsNeutral(t *testing.T) {
	provider := &fakeProvider{series: map[string]marketdata.Series{}}
	m := newMonitor(provider)
	u := universe.Universe{Name: "au", IndexSymbol: "^AXJO"}

	s, warning := m.Snapshot(context.Background(), u)
	require.NotEmpty(t, warning)
	assert.Equal(t, Neutral(), s)
}

func TestSnapshot_USUniverseGetsFlatGapWithoutLeadIndex(t *testing.T) {
	provider := &fakeProvider{series: map[string]marketdata.Series{
		"^GSPC": risingSeries(30, 4000),
	}}
	m := newMonitor(provider)
	u := universe.Universe{Name: "us", IndexSymbol: "^GSPC"}

	s, _ := m.Snapshot(context.Background(), u)
	assert.Equal(t, DirectionFlat, s.GapPrediction.Direction)
	assert.Equal(t, 0.5, s.GapPrediction.Confidence)
	assert.Equal(t, 0.0, s.GapPrediction.Pct)
}

func TestSnapshot_AUUniverseDerivesGapFromLeadIndex(t *testing.T) {
	lead := risingSeries(10, 4000)
	provider := &fakeProvider{series: map[string]marketdata.Series{
		"^AXJO": risingSeries(30, 7000),
		"^GSPC": lead,
	}}
	m := newMonitor(provider)
	u := universe.Universe{Name: "au", IndexSymbol: "^AXJO", LeadIndexSymbol: "^GSPC"}

	s, _ := m.Snapshot(context.Background(), u)
	assert.Equal(t, DirectionUp, s.GapPrediction.Direction)
	assert.Greater(t, s.GapPrediction.Pct, 0.0)
}

func TestStanceFor_Bands(t *testing.T) {
	assert.Equal(t, StrongBuy, stanceFor(75))
	assert.Equal(t, Buy, stanceFor(65))
	assert.Equal(t, Hold, stanceFor(50))
	assert.Equal(t, Sell, stanceFor(35))
	assert.Equal(t, StrongSell, stanceFor(10))
}

func TestUnitFromPct_ClipsToRange(t *testing.T) {
	assert.Equal(t, 1.0, unitFromPct(10, 0.03))
	assert.Equal(t, 0.0, unitFromPct(-10, 0.03))
	assert.Equal(t, 0.5, unitFromPct(0, 0.03))
}
