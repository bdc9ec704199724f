// Package scanner implements the Scanner phase: for every ticker in a
// universe, fetch data (via cache or the Quote Client), validate it,
// compute technical indicators, and assign a screening score.
package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/sentinel-screener/internal/cache"
	"github.com/aristath/sentinel-screener/internal/errs"
	"github.com/aristath/sentinel-screener/internal/marketdata"
	"github.com/aristath/sentinel-screener/internal/quotes"
	"github.com/aristath/sentinel-screener/internal/universe"
	"github.com/aristath/sentinel-screener/internal/workerpool"
)

const historyPeriod = "3mo"
const historyInterval = "1d"

// Config holds the scanner's validation gates and fan-out width.
type Config struct {
	Workers      int
	MinMarketCap float64
	MinAvgVolume float64
	MinPrice     float64
	MaxPrice     float64
}

// Result is a validated, scored ticker.
type Result struct {
	Ticker         string
	Sector         string
	SectorWeight   float64
	Info           marketdata.TickerInfo
	ScreeningScore float64
	Series         marketdata.Series
}

// Scanner runs the Scan operation over a Universe.
type Scanner struct {
	cache  *cache.Cache
	quotes *quotes.Client
	cfg    Config
	log    zerolog.Logger
}

// New constructs a Scanner.
func New(c *cache.Cache, qc *quotes.Client, cfg Config, log zerolog.Logger) *Scanner {
	return &Scanner{cache: c, quotes: qc, cfg: cfg, log: log.With().Str("component", "scanner").Logger()}
}

// scanOutcome is the per-ticker fan-out result: exactly one of Result or
// Warning is set, matching the "drop and warn, never abort" policy.
type scanOutcome struct {
	result  *Result
	warning string
}

// Scan fetches, validates, and scores every ticker in universe. Errors
// on one ticker never abort the scan; they are recorded as warnings and
// the ticker is omitted from the result.
func (s *Scanner) Scan(ctx context.Context, u universe.Universe) ([]Result, []string) {
	refs := u.AllTickers()
	outcomes := workerpool.Run(s.cfg.Workers, refs, func(ref universe.TickerRef) scanOutcome {
		return s.scanOne(ctx, ref)
	})

	var results []Result
	var warnings []string
	for _, o := range outcomes {
		if o.result != nil {
			results = append(results, *o.result)
		}
		if o.warning != "" {
			warnings = append(warnings, o.warning)
		}
	}

	assignSectorWeightedMedianGating(results)

	sort.SliceStable(results, func(i, j int) bool { return results[i].Ticker < results[j].Ticker })
	return results, warnings
}

func (s *Scanner) scanOne(ctx context.Context, ref universe.TickerRef) scanOutcome {
	series, err := s.loadSeries(ctx, ref.Ticker)
	if err != nil {
		return scanOutcome{warning: err.Error()}
	}
	if len(series) < 14 {
		return scanOutcome{warning: errs.New(errs.InsufficientData, ref.Ticker, fmt.Errorf("only %d candles, need >=14", len(series))).Error()}
	}

	meta, err := s.loadInfo(ctx, ref.Ticker)
	if err != nil {
		s.log.Warn().Str("ticker", ref.Ticker).Err(err).Msg("could not fetch ticker info, market cap/beta/exchange scored as unknown")
	}

	info := computeIndicators(ref, series, meta)

	if reason := s.validate(info); reason != "" {
		return scanOutcome{warning: fmt.Sprintf("dropped %s: %s", ref.Ticker, reason)}
	}

	score := screeningScore(info, series)

	return scanOutcome{result: &Result{
		Ticker:         ref.Ticker,
		Sector:         ref.Sector,
		SectorWeight:   ref.SectorWeight,
		Info:           info,
		ScreeningScore: score,
		Series:         series,
	}}
}

func (s *Scanner) loadSeries(ctx context.Context, ticker string) (marketdata.Series, error) {
	key := cache.Key{Ticker: ticker, Kind: cache.KindCandles, Interval: historyPeriod}

	var series marketdata.Series
	if err := s.cache.GetValue(key, &series); err == nil {
		return series, nil
	}

	series, err := s.quotes.FetchCandles(ctx, ticker, historyPeriod, historyInterval)
	if err != nil {
		return nil, err
	}
	if putErr := s.cache.PutValue(key, series); putErr != nil {
		s.log.Warn().Str("ticker", ticker).Err(putErr).Msg("failed to cache candle series")
	}
	return series, nil
}

func computeIndicators(ref universe.TickerRef, series marketdata.Series, meta marketdata.TickerMeta) marketdata.TickerInfo {
	closes := series.Closes()
	last := series[len(series)-1]

	info := marketdata.TickerInfo{
		Ticker:     ref.Ticker,
		SectorName: ref.Sector,
		Price:      last.Close,
		AvgVolume:  meanVolume(series),
		MarketCap:  meta.MarketCap,
		Beta:       meta.Beta,
		Exchange:   meta.Exchange,
	}

	if len(closes) >= 14 {
		rsi := talib.Rsi(closes, 14)
		if v := lastValid(rsi); v != nil {
			info.RSI14 = v
		}
	}
	if len(closes) >= 20 {
		sma20 := talib.Sma(closes, 20)
		if v := lastValid(sma20); v != nil {
			info.MA20 = v
		}
	}
	if len(closes) >= 50 {
		sma50 := talib.Sma(closes, 50)
		if v := lastValid(sma50); v != nil {
			info.MA50 = v
		}
	}

	returns := series.Returns()
	if len(returns) >= 30 {
		sd := talib.StdDev(returns, 30, 1)
		if v := lastValid(sd); v != nil {
			annualized := *v * math.Sqrt(252)
			info.Volatility30D = &annualized
		}
	}

	return info
}

// loadInfo fetches ticker metadata (market cap, beta, exchange) via the
// cache's info kind, falling back to the Quote Client on a miss. Info
// changes far less often than candle data, so it gets its own,
// separately TTL'd cache entry (cache.KindInfo) per spec.md §4.4.
func (s *Scanner) loadInfo(ctx context.Context, ticker string) (marketdata.TickerMeta, error) {
	key := cache.Key{Ticker: ticker, Kind: cache.KindInfo}

	var meta marketdata.TickerMeta
	if err := s.cache.GetValue(key, &meta); err == nil {
		return meta, nil
	}

	meta, err := s.quotes.FetchInfo(ctx, ticker)
	if err != nil {
		return marketdata.TickerMeta{}, err
	}
	if putErr := s.cache.PutValue(key, meta); putErr != nil {
		s.log.Warn().Str("ticker", ticker).Err(putErr).Msg("failed to cache ticker info")
	}
	return meta, nil
}

func meanVolume(series marketdata.Series) float64 {
	n := len(series)
	if n > 30 {
		series = series[n-30:]
	}
	var sum float64
	for _, c := range series {
		sum += c.Volume
	}
	return sum / float64(len(series))
}

func lastValid(series []float64) *float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			v := series[i]
			return &v
		}
	}
	return nil
}

// validate checks the configured gates and returns a non-empty drop
// reason if the ticker fails any of them.
func (s *Scanner) validate(info marketdata.TickerInfo) string {
	if s.cfg.MinMarketCap > 0 && info.MarketCap < s.cfg.MinMarketCap {
		return "market cap below minimum"
	}
	if s.cfg.MinAvgVolume > 0 && info.AvgVolume < s.cfg.MinAvgVolume {
		return "average volume below minimum"
	}
	if s.cfg.MinPrice > 0 && info.Price < s.cfg.MinPrice {
		return "price below minimum"
	}
	if s.cfg.MaxPrice > 0 && info.Price > s.cfg.MaxPrice {
		return "price above maximum"
	}
	return ""
}

// screeningScore sums the six documented 0-100 sub-scores (spec.md §4.4).
// The universe-median volatility comparison and sector weight contribute
// too, but both need the full result set — assignSectorWeightedMedianGating
// applies the sector/median-dependent portions after the whole scan
// completes, since they are not a function of one ticker alone.
func screeningScore(info marketdata.TickerInfo, series marketdata.Series) float64 {
	var score float64

	// Liquidity (0-20): log-scaled from a volume floor to a cap.
	score += clip(logScale(info.AvgVolume, 1e4, 1e8), 0, 1) * 20

	// Market cap (0-20): log-scaled.
	score += clip(logScale(info.MarketCap, 1e7, 1e11), 0, 1) * 20

	// Volatility (0-15): inverted; lower annualized vol -> higher score.
	if info.Volatility30D != nil {
		score += clip(1-clip(*info.Volatility30D/0.6, 0, 1), 0, 1) * 15
	}

	// Momentum (0-15): +5 price>MA20, +5 price>MA50, +5 MA20>MA50.
	if info.MA20 != nil && info.Price > *info.MA20 {
		score += 5
	}
	if info.MA50 != nil && info.Price > *info.MA50 {
		score += 5
	}
	if info.MA20 != nil && info.MA50 != nil && *info.MA20 > *info.MA50 {
		score += 5
	}

	// Technical (0-15): RSI band + (placeholder, see median pass) volatility rank.
	if info.RSI14 != nil && *info.RSI14 >= 30 && *info.RSI14 <= 70 {
		score += 7.5
	}

	return score
}

// logScale maps v in [floor, cap] logarithmically to [0, 1].
func logScale(v, floor, cap float64) float64 {
	if v <= floor {
		return 0
	}
	if v >= cap {
		return 1
	}
	return (math.Log(v) - math.Log(floor)) / (math.Log(cap) - math.Log(floor))
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// assignSectorWeightedMedianGating completes the two components of the
// screening score that need the full result set: the per-universe
// median-volatility technical bonus and the sector-weight sub-score.
func assignSectorWeightedMedianGating(results []Result) {
	if len(results) == 0 {
		return
	}
	var vols []float64
	for _, r := range results {
		if r.Info.Volatility30D != nil {
			vols = append(vols, *r.Info.Volatility30D)
		}
	}
	median := medianOf(vols)

	for i := range results {
		if results[i].Info.Volatility30D != nil && *results[i].Info.Volatility30D < median {
			results[i].ScreeningScore += 7.5
		}
		results[i].ScreeningScore += results[i].SectorWeight * 15 / 1.4
		results[i].ScreeningScore = clip(results[i].ScreeningScore, 0, 100)
	}
}

// medianOf returns the sample median via gonum's empirical-CDF
// quantile estimator (SPEC_FULL.md §3's gonum/stat assignment). That
// estimator yields the lower middle value for an even count, so it is
// averaged with the upper middle value in that case.
func medianOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if len(sorted)%2 == 0 {
		median = (median + sorted[len(sorted)/2]) / 2
	}
	return median
}

// MedianScoreBySector returns, for each sector name, the median
// screening_score of tickers in that sector — feeds the Scorer's
// sector-momentum factor. The Reporter computes its own sector medians
// from the scored stocks.
func MedianScoreBySector(results []Result) map[string]float64 {
	bySector := map[string][]float64{}
	for _, r := range results {
		bySector[r.Sector] = append(bySector[r.Sector], r.ScreeningScore)
	}
	out := make(map[string]float64, len(bySector))
	for sector, scores := range bySector {
		out[sector] = medianOf(scores)
	}
	return out
}
