// Package marketmonitor implements the Market Monitor phase: fetches
// the universe's primary index (and, where configured, its volatility
// gauge and leading-market index), computes the multi-horizon index
// changes, and derives a MarketSentiment snapshot.
package marketmonitor

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-screener/internal/quotes"
	"github.com/aristath/sentinel-screener/internal/universe"
)

// GapDirection is the predicted direction of the overnight index gap.
type GapDirection string

const (
	DirectionUp   GapDirection = "up"
	DirectionDown GapDirection = "down"
	DirectionFlat GapDirection = "flat"
)

// Stance is the Market Monitor's investment-posture recommendation.
type Stance string

const (
	StrongBuy  Stance = "STRONG_BUY"
	Buy        Stance = "BUY"
	Hold       Stance = "HOLD"
	Sell       Stance = "SELL"
	StrongSell Stance = "STRONG_SELL"
)

// GapPrediction is the expected overnight-to-open move of the primary index.
type GapPrediction struct {
	Pct        float64      `json:"pct"`
	Confidence float64      `json:"confidence"`
	Direction  GapDirection `json:"direction"`
}

// Sentiment is the Market Monitor's per-run output (spec.md §3 MarketSentiment).
type Sentiment struct {
	IndexChange1D  float64        `json:"index_change_1d"`
	IndexChange5D  float64        `json:"index_change_5d"`
	IndexChange7D  float64        `json:"index_change_7d"`
	IndexChange14D float64        `json:"index_change_14d"`
	VolGaugeLevel  *float64       `json:"vol_gauge_level"`
	GapPrediction  GapPrediction  `json:"gap_prediction"`
	SentimentScore float64        `json:"sentiment_score"`
	Recommendation Recommendation `json:"recommendation"`
}

// Recommendation wraps the stance, matching spec.md's nested shape.
type Recommendation struct {
	Stance Stance `json:"stance"`
}

// Neutral is returned whenever the index cannot be fetched — the
// pipeline does not fail on a Market Monitor outage.
func Neutral() Sentiment {
	return Sentiment{
		SentimentScore: 50,
		GapPrediction:  GapPrediction{Direction: DirectionFlat, Confidence: 0.5},
		Recommendation: Recommendation{Stance: Hold},
	}
}

// Monitor fetches and scores one universe's market context.
type Monitor struct {
	quotes *quotes.Client
	log    zerolog.Logger
}

// New constructs a Monitor.
func New(qc *quotes.Client, log zerolog.Logger) *Monitor {
	return &Monitor{quotes: qc, log: log.With().Str("component", "market_monitor").Logger()}
}

// Snapshot computes the Sentiment for u. If the primary index cannot be
// fetched (or has fewer than 14 candles) it returns Neutral() and a
// warning message as its second result — the pipeline never fails on
// this phase.
func (m *Monitor) Snapshot(ctx context.Context, u universe.Universe) (Sentiment, string) {
	series, err := m.quotes.FetchCandles(ctx, u.IndexSymbol, "3mo", "1d")
	if err != nil || len(series) < 14 {
		return Neutral(), "market monitor: could not fetch primary index, using neutral sentiment"
	}

	closes := series.Closes()
	sentiment := Sentiment{
		IndexChange1D:  changeOverDays(closes, 1),
		IndexChange5D:  changeOverDays(closes, 5),
		IndexChange7D:  changeOverDays(closes, 7),
		IndexChange14D: changeOverDays(closes, 14),
	}

	if u.VolGaugeSymbol != "" {
		if volSeries, volErr := m.quotes.FetchCandles(ctx, u.VolGaugeSymbol, "1mo", "1d"); volErr == nil && len(volSeries) > 0 {
			v := volSeries[len(volSeries)-1].Close
			sentiment.VolGaugeLevel = &v
		}
	}

	sentiment.GapPrediction = m.gapPrediction(ctx, u)
	sentiment.SentimentScore = sentimentScore(sentiment)
	sentiment.Recommendation = Recommendation{Stance: stanceFor(sentiment.SentimentScore)}

	return sentiment, ""
}

// gapPrediction implements the AU-specific overnight-gap formula
// (predicted_gap_pct = 0.65 * overnight_us_change) when the universe
// names a leading index; otherwise returns the flat/neutral default
// spec.md §4.5 prescribes for the US universe.
func (m *Monitor) gapPrediction(ctx context.Context, u universe.Universe) GapPrediction {
	if u.LeadIndexSymbol == "" {
		return GapPrediction{Pct: 0, Confidence: 0.5, Direction: DirectionFlat}
	}

	leadSeries, err := m.quotes.FetchCandles(ctx, u.LeadIndexSymbol, "1mo", "1d")
	if err != nil || len(leadSeries) < 2 {
		m.log.Warn().Str("symbol", u.LeadIndexSymbol).Msg("could not fetch leading index for gap prediction")
		return GapPrediction{Pct: 0, Confidence: 0.5, Direction: DirectionFlat}
	}

	closes := leadSeries.Closes()
	overnightChange := (closes[len(closes)-1] - closes[len(closes)-2]) / closes[len(closes)-2]
	pct := 0.65 * overnightChange

	direction := DirectionFlat
	if pct > 0.001 {
		direction = DirectionUp
	} else if pct < -0.001 {
		direction = DirectionDown
	}

	confidence := clip(0.5+5*math.Abs(overnightChange), 0.5, 0.9)
	return GapPrediction{Pct: pct, Confidence: confidence, Direction: direction}
}

func changeOverDays(closes []float64, days int) float64 {
	n := len(closes)
	if n <= days {
		return 0
	}
	prev := closes[n-1-days]
	if prev == 0 {
		return 0
	}
	return (closes[n-1] - prev) / prev
}

// sentimentScore computes the weighted 0-100 score per spec.md §3.
func sentimentScore(s Sentiment) float64 {
	perf1d := unitFromPct(s.IndexChange1D, 0.03)
	gapComponent := unitFromPct(s.GapPrediction.Pct*s.GapPrediction.Confidence, 0.02)

	agreement := 0.0
	if sign(s.IndexChange1D) == sign(s.IndexChange5D) {
		agreement = 1
	}

	trend := 0.6*s.IndexChange7D + 0.4*s.IndexChange14D
	trendUnit := unitFromPct(trend, 0.05)

	confFloor := s.GapPrediction.Confidence

	score := 0.30*perf1d + 0.25*gapComponent + 0.15*agreement + 0.20*trendUnit + 0.10*confFloor
	return clip(score*100, 0, 100)
}

// unitFromPct clips pct to [-clipRange, clipRange] then maps to [0, 1].
func unitFromPct(pct, clipRange float64) float64 {
	clipped := clip(pct, -clipRange, clipRange)
	return (clipped/clipRange + 1) / 2
}

func sign(f float64) int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
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

func stanceFor(score float64) Stance {
	switch {
	case score >= 70:
		return StrongBuy
	case score >= 60:
		return Buy
	case score >= 40:
		return Hold
	case score >= 30:
		return Sell
	default:
		return StrongSell
	}
}
