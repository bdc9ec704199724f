package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-screener/internal/config"
	"github.com/aristath/sentinel-screener/internal/eventrisk"
	"github.com/aristath/sentinel-screener/internal/marketdata"
	"github.com/aristath/sentinel-screener/internal/marketmonitor"
	"github.com/aristath/sentinel-screener/internal/predictor"
	"github.com/aristath/sentinel-screener/internal/quotes"
	"github.com/aristath/sentinel-screener/internal/regime"
	"github.com/aristath/sentinel-screener/internal/scanner"
	"github.com/aristath/sentinel-screener/internal/scorer"
	"github.com/aristath/sentinel-screener/internal/universe"
)

// auFixtureTickers mirrors spec.md §8 scenario A's five-ticker fixture.
var auFixtureTickers = []string{"CBA.AX", "WBC.AX", "ANZ.AX", "NAB.AX", "MQG.AX"}

func fixtureUniverse() universe.Universe {
	return universe.Universe{
		Name:        "au_test",
		IndexSymbol: "^AXJO",
		Sectors: []universe.Sector{
			{Name: "Financials", Weight: 1.0, Tickers: auFixtureTickers},
		},
	}
}

// syntheticSeries builds a gently oscillating, non-degenerate candle
// series: enough variance for RSI/MA to be well defined, but no trend,
// matching the "neutral" market scenario A stipulates.
func syntheticSeries(days int, base, amplitude float64, start time.Time) marketdata.Series {
	out := make(marketdata.Series, 0, days)
	for i := 0; i < days; i++ {
		closePx := base + amplitude*math.Sin(float64(i)*0.2)
		out = append(out, marketdata.Candle{
			TS:     start.Add(time.Duration(i) * 24 * time.Hour),
			Open:   closePx,
			High:   closePx * 1.004,
			Low:    closePx * 0.996,
			Close:  closePx,
			Volume: 2_000_000,
		})
	}
	return out
}

func baseFixtureSeries() map[string]marketdata.Series {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	out := map[string]marketdata.Series{
		"^AXJO": syntheticSeries(90, 7200, 40, start),
	}
	for _, tk := range auFixtureTickers {
		out[tk] = syntheticSeries(70, 100, 3, start)
	}
	return out
}

// fakeProvider serves fixed series per ticker, optionally rate-limiting
// or cancelling on a configured call count (scenarios C/F).
type fakeProvider struct {
	series map[string]marketdata.Series

	alwaysRateLimit map[string]bool

	// cancelAfter, if > 0, cancels cancelFn on the Nth FetchHistory call
	// and fails every call from that point on, modelling scenario F.
	cancelAfter int32
	calls       int32
	cancelFn    context.CancelFunc
}

func (p *fakeProvider) FetchHistory(ctx context.Context, ticker, period, interval string) (marketdata.Series, error) {
	if p.alwaysRateLimit[ticker] {
		return nil, &quotes.ProviderError{Kind: quotes.KindRateLimit, Err: context.DeadlineExceeded}
	}

	if p.cancelAfter > 0 {
		n := atomic.AddInt32(&p.calls, 1)
		if n == p.cancelAfter {
			p.cancelFn()
			return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: ctx.Err()}
		}
		if n > p.cancelAfter {
			return nil, &quotes.ProviderError{Kind: quotes.KindTransport, Err: ctx.Err()}
		}
	}

	s, ok := p.series[ticker]
	if !ok {
		return nil, &quotes.ProviderError{Kind: quotes.KindNotFound, Err: context.Canceled}
	}
	return s, nil
}

func (p *fakeProvider) FetchBatch(ctx context.Context, tickers []string, period string) (map[string]marketdata.Series, error) {
	return nil, quotes.ErrBatchUnsupported
}

// FetchInfo is not part of any scenario's call-count accounting: the
// Scanner treats a failed info fetch as a non-fatal, score-degrading
// event rather than a dropped ticker, so these fixtures simply return a
// zero-value TickerMeta and never touch p.calls.
func (p *fakeProvider) FetchInfo(ctx context.Context, ticker string) (marketdata.TickerMeta, error) {
	return marketdata.TickerMeta{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Quote:     config.QuoteConfig{BaseDelaySec: 0, MaxRetries: 3, RetryBackoffSec: 0},
		Cache:     config.CacheConfig{Dir: filepath.Join(dir, "cache"), TTLInfoMin: 30, TTLCandlesMin: 30},
		Scanner:   config.ScannerConfig{Workers: 2},
		Predictor: config.PredictorConfig{Weights: config.PredictorWeights{Model: 0.45, Trend: 0.25, Technical: 0.15, Sentiment: 0.15}, Workers: 2},
		Scorer: config.ScorerConfig{
			Weights:   config.ScorerWeights{PredictionConf: 0.30, Technical: 0.20, SentimentAlign: 0.15, Liquidity: 0.15, Volatility: 0.10, SectorMomentum: 0.10},
			Penalties: config.ScorerPenalties{LowVolume: -10, HighVolatility: -15, Contrarian: -20},
			Bonuses:   config.ScorerBonuses{FreshModel: 5, HighHitRate: 10, SectorLeader: 5},
		},
		Training: config.TrainingConfig{Enabled: true, MaxModelsPerNight: 100, StaleThresholdDays: 7},
		Regime:   config.RegimeConfig{NStates: 3},
		Report:   config.ReportConfig{Dir: filepath.Join(dir, "reports")},
		Models:   config.ModelsConfig{Dir: filepath.Join(dir, "models")},
		Events:   config.EventCalendarConfig{Path: ""},
	}
}

func neutralSentiment() marketmonitor.Sentiment {
	return marketmonitor.Sentiment{
		GapPrediction:  marketmonitor.GapPrediction{Direction: marketmonitor.DirectionFlat, Confidence: 0.5},
		SentimentScore: 58,
		Recommendation: marketmonitor.Recommendation{Stance: marketmonitor.Hold},
	}
}

// singleTickerFixture builds a minimal, fully-populated Scanner/Predictor
// output pair for ticker, used by scenario D to exercise the Scorer's
// sit_out enforcement without running the full fan-out phases.
func singleTickerFixture(t *testing.T, ticker string) ([]scanner.Result, []predictor.Prediction) {
	t.Helper()
	rsi, ma20, ma50, vol := 55.0, 101.0, 100.0, 0.2
	info := marketdata.TickerInfo{
		Ticker: ticker, SectorName: "Financials", Price: 102, AvgVolume: 2_000_000,
		RSI14: &rsi, MA20: &ma20, MA50: &ma50, Volatility30D: &vol,
	}
	scanned := []scanner.Result{{Ticker: ticker, Sector: "Financials", SectorWeight: 1.0, Info: info, ScreeningScore: 70}}
	pred := predictor.Prediction{
		Ticker:             ticker,
		Signal:             predictor.Buy,
		EnsembleDirection:  0.6,
		EnsembleConfidence: 0.7,
	}
	return scanned, []predictor.Prediction{pred}
}

func findScored(state PipelineState, ticker string) *scorer.ScoredStock {
	for i := range state.TopOpportunities {
		if state.TopOpportunities[i].Ticker == ticker {
			return &state.TopOpportunities[i]
		}
	}
	return nil
}

// scenario A: happy path, five tickers, no model artifacts (spec.md §8).
func TestScenarioA_HappyPath(t *testing.T) {
	cfg := testConfig(t)
	provider := &fakeProvider{series: baseFixtureSeries()}

	o, err := New(cfg, Deps{QuoteProvider: provider}, zerolog.Nop())
	require.NoError(t, err)
	defer o.Close()

	state, err := o.Run(context.Background(), fixtureUniverse(), "2026-04-15")
	require.NoError(t, err)

	assert.Equal(t, 5, state.ScannedCount)
	assert.Equal(t, 5, state.PredictedCount)
	assert.Len(t, state.TopOpportunities, 5)
	assert.Empty(t, state.Errors)
	assert.False(t, state.Cancelled)

	for _, s := range state.TopOpportunities {
		assert.Contains(t, auFixtureTickers, s.Ticker)
		// Without a model artifact the remaining components carry low
		// confidence, so the ensemble confidence stays under the 0.5
		// BUY/SELL threshold and every signal is HOLD.
		assert.Equal(t, "HOLD", string(s.Prediction.Signal))
		assert.GreaterOrEqual(t, s.Prediction.EnsembleConfidence, 0.0)
		assert.LessOrEqual(t, s.Prediction.EnsembleConfidence, 1.0)
	}

	for i := 1; i < len(state.TopOpportunities); i++ {
		assert.GreaterOrEqual(t, state.TopOpportunities[i-1].OpportunityScore, state.TopOpportunities[i].OpportunityScore)
	}

	assert.FileExists(t, state.ReportPaths.HTML)
	assert.FileExists(t, state.ReportPaths.CSV)
}

// scenario B: a model artifact for CBA.AX tilts its ensemble bullish
// relative to scenario A's baseline (spec.md §8).
func TestScenarioB_ModelAvailableBullishTilt(t *testing.T) {
	cfg := testConfig(t)

	baseline, err := New(cfg, Deps{QuoteProvider: &fakeProvider{series: baseFixtureSeries()}}, zerolog.Nop())
	require.NoError(t, err)
	baselineState, err := baseline.Run(context.Background(), fixtureUniverse(), "2026-04-15")
	require.NoError(t, err)
	baseline.Close()

	baselineCBA := findScored(baselineState, "CBA.AX")
	require.NotNil(t, baselineCBA)

	require.NoError(t, os.MkdirAll(cfg.Models.Dir, 0o755))
	artifact, err := json.Marshal(struct {
		Direction  float64 `json:"direction"`
		Confidence float64 `json:"confidence"`
	}{Direction: 0.7, Confidence: 0.85})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Models.Dir, "CBA.AX.artifact"), artifact, 0o644))

	tilted, err := New(cfg, Deps{QuoteProvider: &fakeProvider{series: baseFixtureSeries()}}, zerolog.Nop())
	require.NoError(t, err)
	defer tilted.Close()
	tiltedState, err := tilted.Run(context.Background(), fixtureUniverse(), "2026-04-15")
	require.NoError(t, err)

	cba := findScored(tiltedState, "CBA.AX")
	require.NotNil(t, cba)
	assert.Equal(t, "BUY", string(cba.Prediction.Signal))
	assert.InDelta(t, 0.7*0.45, cba.Prediction.EnsembleDirection, 0.4, "the weighted model component should pull direction well positive")
	assert.Greater(t, cba.OpportunityScore, baselineCBA.OpportunityScore)
}

// scenario C: a ticker that exhausts every rate-limit retry is dropped,
// and the others are unaffected (spec.md §8).
func TestScenarioC_RateLimitExhaustion(t *testing.T) {
	cfg := testConfig(t)
	provider := &fakeProvider{
		series:          baseFixtureSeries(),
		alwaysRateLimit: map[string]bool{"NAB.AX": true},
	}

	o, err := New(cfg, Deps{QuoteProvider: provider}, zerolog.Nop())
	require.NoError(t, err)
	defer o.Close()

	state, err := o.Run(context.Background(), fixtureUniverse(), "2026-04-15")
	require.NoError(t, err)

	assert.Equal(t, 4, state.ScannedCount)
	for _, s := range state.TopOpportunities {
		assert.NotEqual(t, "NAB.AX", s.Ticker)
	}

	var rateLimitWarnings int
	for _, w := range state.Warnings {
		if w == "RateLimited(NAB.AX): rate_limit: context deadline exceeded" {
			rateLimitWarnings++
		}
	}
	assert.Equal(t, 1, rateLimitWarnings, "expected exactly one RateLimited(NAB.AX) warning, got: %v", state.Warnings)
}

// scenario D: a HIGH_VOL, high-crash-risk regime pushes every ticker's
// event risk score up, and forces sit_out tickers to HOLD (spec.md §8).
// Exercised directly against the Event-Risk Guard and Scorer rather than
// through a full synthetic regime fit, since a deterministic HIGH_VOL
// classification needs real historical shock data the fixture does not
// reproduce.
func TestScenarioD_RegimeShock(t *testing.T) {
	shockRegime := regime.Regime{Label: regime.HighVol, StateProbs: [3]float64{0, 0.15, 0.85}, CrashRisk: 0.85}

	calendar, err := eventrisk.Open("")
	require.NoError(t, err)
	defer calendar.Close()
	guard := eventrisk.New(calendar)

	result := guard.Assess(context.Background(), auFixtureTickers, shockRegime, time.Now())
	for _, tk := range auFixtureTickers {
		risk := result.PerTicker[tk]
		assert.GreaterOrEqual(t, risk.RiskScore, 0.085, "ticker %s risk_score should reflect the shock regime's crash_risk", tk)
	}

	sco := scorer.New(config.ScorerWeights{PredictionConf: 0.30, Technical: 0.20, SentimentAlign: 0.15, Liquidity: 0.15, Volatility: 0.10, SectorMomentum: 0.10},
		config.ScorerPenalties{LowVolume: -10, HighVolatility: -15, Contrarian: -20},
		config.ScorerBonuses{FreshModel: 5, HighHitRate: 10, SectorLeader: 5}, 0, nil)

	// Force one ticker's event risk above the sit_out threshold directly,
	// matching scenario D's "if its own event terms also trigger" clause.
	forced := result.PerTicker["NAB.AX"]
	forced.SitOut = true
	forcedRisks := map[string]eventrisk.EventRisk{"NAB.AX": forced}

	scanned, predictions := singleTickerFixture(t, "NAB.AX")
	scored := sco.Score(predictions, scanned, neutralSentiment(), shockRegime, forcedRisks)
	require.Len(t, scored, 1)
	assert.True(t, scored[0].EventRisk.SitOut)
	assert.Equal(t, "HOLD", string(scored[0].Prediction.Signal), "sit_out must force the signal to HOLD regardless of ensemble direction")
}

// scenario E: weights summing to 1.05 are rejected at config load, never
// reaching the Orchestrator (spec.md §8).
func TestScenarioE_WeightsMisconfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "screening_config.json")
	body := `{"predictor": {"weights": {"model": 0.5, "trend": 0.25, "technical": 0.15, "sentiment": 0.15}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := config.Load(path)
	require.Error(t, err, "weights summing to 1.05 must be rejected at load time, before any Orchestrator is built")
}

// scenario F: a cancellation signal raised mid-scan leaves a partial
// state with cancelled=true and a scan phase timing but nothing past it
// (spec.md §8).
func TestScenarioF_CancelledMidScan(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scanner.Workers = 1 // serialize scans so cancellation lands deterministically

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &fakeProvider{
		series: baseFixtureSeries(),
		// call #1 is the Market Monitor's index fetch; calls #2 and #3
		// are the first two (serialized) ticker scans, so cancelling on
		// call #4 lands after exactly 2 of 5 scans complete.
		cancelAfter: 4,
		cancelFn:    cancel,
	}

	o, err := New(cfg, Deps{QuoteProvider: provider}, zerolog.Nop())
	require.NoError(t, err)
	defer o.Close()

	state, err := o.Run(ctx, fixtureUniverse(), "2026-04-15")
	require.Error(t, err)

	assert.True(t, state.Cancelled)
	assert.Equal(t, 2, state.ScannedCount)
	_, hasScan := state.PhaseTimings["scan"]
	assert.True(t, hasScan)
	_, hasPredict := state.PhaseTimings["predict"]
	assert.False(t, hasPredict)
	_, hasReport := state.PhaseTimings["report"]
	assert.False(t, hasReport)

	statePath := filepath.Join(cfg.Report.Dir, "state", "2026-04-15_pipeline_state.json")
	assert.FileExists(t, statePath)
}
