// Package regime classifies the current market-volatility regime from an
// index return series. spec.md §4.6 prescribes a 3-state mixture model
// with a quantile-based fallback when no HMM library is available; per
// SPEC_FULL.md §5 and Design Note §9 the quantile classifier is the
// normative implementation here, not a fallback-of-a-fallback.
package regime

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/sentinel-screener/internal/marketdata"
)

// Label is the discrete volatility state.
type Label string

const (
	Calm    Label = "CALM"
	Normal  Label = "NORMAL"
	HighVol Label = "HIGH_VOL"
)

// Regime is the Regime Engine's per-run output (spec.md §3).
type Regime struct {
	Label      Label      `json:"label"`
	StateProbs [3]float64 `json:"state_probs"`
	DailyVol   float64    `json:"daily_vol"`
	AnnualVol  float64    `json:"annual_vol"`
	CrashRisk  float64    `json:"crash_risk"`
}

// Fallback is the documented failure return (spec.md §4.6): no history,
// or the classifier otherwise cannot fit.
func Fallback() Regime {
	return Regime{
		Label:      Normal,
		StateProbs: [3]float64{0.33, 0.34, 0.33},
		CrashRisk:  0.5,
	}
}

const (
	minHistoryDays  = 60
	tradingYearDays = 252
)

// Classifier derives a Regime from an index series.
type Classifier struct {
	log zerolog.Logger
}

// New constructs a Classifier.
func New(log zerolog.Logger) *Classifier {
	return &Classifier{log: log.With().Str("component", "regime_engine").Logger()}
}

// Classify implements spec.md §4.6's `classify(index_series) → Regime`.
func (c *Classifier) Classify(series marketdata.Series) Regime {
	if len(series) < minHistoryDays {
		c.log.Warn().Int("days", len(series)).Msg("insufficient index history for regime classification, using fallback")
		return Fallback()
	}

	returns := logReturns(series.Closes())
	if len(returns) < minHistoryDays-1 {
		return Fallback()
	}

	dailyVol := stat.StdDev(returns, nil)
	if dailyVol == 0 || math.IsNaN(dailyVol) {
		c.log.Warn().Msg("degenerate index return series, using fallback regime")
		return Fallback()
	}
	annualVol := dailyVol * math.Sqrt(tradingYearDays)

	rollingVol := rollingAnnualizedVol(returns, 20)
	if len(rollingVol) == 0 {
		return Fallback()
	}

	window := rollingVol
	if len(window) > tradingYearDays {
		window = window[len(window)-tradingYearDays:]
	}

	p33 := stat.Quantile(0.33, stat.Empirical, append([]float64(nil), window...), nil)
	p66 := stat.Quantile(0.66, stat.Empirical, append([]float64(nil), window...), nil)

	current := rollingVol[len(rollingVol)-1]
	label, probs := classifyByQuantile(current, p33, p66)

	mean := stat.Mean(returns, nil)
	crashRisk := crashRiskFor(label, probs, mean, dailyVol)

	return Regime{
		Label:      label,
		StateProbs: probs,
		DailyVol:   dailyVol,
		AnnualVol:  annualVol,
		CrashRisk:  crashRisk,
	}
}

// classifyByQuantile buckets current rolling vol against the 33rd/66th
// percentile breakpoints (spec.md §4.6 step 2), and reports a state-probs
// triple. CALM or HIGH_VOL gets 1-margin, with the margin (0..0.2,
// largest at the breakpoint and shrinking with distance from it) on
// NORMAL; NORMAL gets 0.7, with the remaining 0.3 split between CALM and
// HIGH_VOL by proximity to each breakpoint.
func classifyByQuantile(current, p33, p66 float64) (Label, [3]float64) {
	switch {
	case current <= p33:
		margin := softMargin(current, p33)
		return Calm, [3]float64{1 - margin, margin, 0}
	case current >= p66:
		margin := softMargin(p66, current)
		return HighVol, [3]float64{0, margin, 1 - margin}
	default:
		toLow := current - p33
		toHigh := p66 - current
		span := toLow + toHigh
		if span == 0 {
			return Normal, [3]float64{0, 1, 0}
		}
		return Normal, [3]float64{toHigh / span * 0.3, 1 - 0.3, toLow / span * 0.3}
	}
}

// softMargin gives a 0..0.2 bleed into the adjacent state as a value
// nears its breakpoint, rather than a hard 0/1 split.
func softMargin(near, far float64) float64 {
	if far == 0 {
		return 0
	}
	d := math.Abs(far-near) / math.Max(math.Abs(far), 1e-9)
	return clip(0.2*(1-d), 0, 0.2)
}

// crashRiskFor implements `crash_risk = p(HIGH_VOL) · (1 + max(0, −μ/σ))`,
// clipped to [0,1] (spec.md §4.6 step 4).
func crashRiskFor(label Label, probs [3]float64, mean, stddev float64) float64 {
	pHighVol := probs[2]
	if stddev == 0 {
		return clip(pHighVol, 0, 1)
	}
	adj := 1 + math.Max(0, -mean/stddev)
	return clip(pHighVol*adj, 0, 1)
}

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

// rollingAnnualizedVol computes a trailing-window annualized stddev of
// returns at each point where a full window is available.
func rollingAnnualizedVol(returns []float64, window int) []float64 {
	if len(returns) < window {
		return nil
	}
	out := make([]float64, 0, len(returns)-window+1)
	for i := window; i <= len(returns); i++ {
		w := returns[i-window : i]
		sd := stat.StdDev(w, nil)
		out = append(out, sd*math.Sqrt(tradingYearDays))
	}
	return out
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
