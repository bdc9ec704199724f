// Package predictor implements the Batch Predictor phase: a four
// component ensemble (model/trend/technical/sentiment) combined by a
// weighted, renormalize-over-available-components rule (spec.md §4.8).
package predictor

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-screener/internal/marketmonitor"
	"github.com/aristath/sentinel-screener/internal/scanner"
	"github.com/aristath/sentinel-screener/internal/workerpool"
)

// Signal is the ensemble's trade recommendation.
type Signal string

const (
	Buy  Signal = "BUY"
	Sell Signal = "SELL"
	Hold Signal = "HOLD"
)

// Component is one of the four ensemble inputs.
type Component struct {
	Direction  float64 `json:"direction"`
	Confidence float64 `json:"confidence"`
	Available  bool    `json:"available"`
}

// Components is the Prediction's per-component breakdown.
type Components struct {
	Model      Component `json:"model"`
	Trend      Component `json:"trend"`
	Technical  Component `json:"technical"`
	Sentiment  Component `json:"sentiment"`
}

// Prediction is the Batch Predictor's per-ticker output (spec.md §3).
// Warning is set when every component was unavailable and the ensemble
// fell back to a flat 0/0 default, so the Orchestrator can surface it
// as a run warning instead of silently reporting a confident-looking HOLD.
type Prediction struct {
	Ticker              string     `json:"ticker"`
	Components          Components `json:"components"`
	Signal              Signal     `json:"signal"`
	EnsembleConfidence  float64    `json:"ensemble_confidence"`
	EnsembleDirection   float64    `json:"ensemble_direction"`
	Warning             string     `json:"-"`
}

// Weights configures the four ensemble weights (config key
// predictor.weights); must sum to 1.0, validated by internal/config.
type Weights struct {
	Model      float64
	Trend      float64
	Technical  float64
	Sentiment  float64
}

// Model is the direction-predictor contract consumed by the core
// (spec.md §6): `load(path) → Model`, `Model.predict(series)`. The core
// never assumes model internals.
type Model interface {
	Predict(series scanner.Result) (direction, confidence float64, err error)
}

// ModelLoader resolves a per-ticker artifact. Absent or failed loads
// mark the model component unavailable (spec.md §4.8 step 1).
type ModelLoader interface {
	Load(ticker string) (Model, error)
}

// SentimentProvider is the external news-sentiment collaborator
// (spec.md §1). Fewer than 1 article triggers the documented fallback
// to the market sentiment gap prediction.
type SentimentProvider interface {
	Analyze(ctx context.Context, ticker string) (articles int, direction, confidence float64, err error)
}

// Config holds the ensemble weights and fan-out width.
type Config struct {
	Weights Weights
	Workers int
}

// Predictor runs the Batch Predictor operation over scanned results.
type Predictor struct {
	models    ModelLoader
	sentiment SentimentProvider
	cfg       Config
	log       zerolog.Logger
}

// New constructs a Predictor. models or sentiment may be nil, in which
// case those components are always unavailable/fallback respectively.
func New(models ModelLoader, sentiment SentimentProvider, cfg Config, log zerolog.Logger) *Predictor {
	return &Predictor{models: models, sentiment: sentiment, cfg: cfg, log: log.With().Str("component", "batch_predictor").Logger()}
}

// PredictAll implements spec.md §4.8's `predict_all(scanned, sentiment, regime) → [Prediction]`.
func (p *Predictor) PredictAll(ctx context.Context, scanned []scanner.Result, sentiment marketmonitor.Sentiment) []Prediction {
	return workerpool.Run(p.cfg.Workers, scanned, func(r scanner.Result) Prediction {
		return p.predictOne(ctx, r, sentiment)
	})
}

func (p *Predictor) predictOne(ctx context.Context, r scanner.Result, sentiment marketmonitor.Sentiment) Prediction {
	model := p.modelComponent(r)
	trend := trendComponent(r)
	technical := technicalComponent(r)
	sent := p.sentimentComponent(ctx, r.Ticker, sentiment)

	weighted := []struct {
		c Component
		w float64
	}{
		{model, p.cfg.Weights.Model},
		{trend, p.cfg.Weights.Trend},
		{technical, p.cfg.Weights.Technical},
		{sent, p.cfg.Weights.Sentiment},
	}

	var wSum, dirSum, confSum float64
	for _, wc := range weighted {
		if !wc.c.Available {
			continue
		}
		wSum += wc.w
		dirSum += wc.w * wc.c.Direction
		confSum += wc.w * wc.c.Confidence
	}

	var direction, confidence float64
	var warning string
	if wSum > 0 {
		direction = dirSum / wSum
		confidence = confSum / wSum
	} else {
		warning = fmt.Sprintf("%s: every ensemble component unavailable, defaulted to flat HOLD", r.Ticker)
	}

	return Prediction{
		Ticker: r.Ticker,
		Components: Components{
			Model:     model,
			Trend:     trend,
			Technical: technical,
			Sentiment: sent,
		},
		Signal:             signalFor(direction, confidence),
		EnsembleDirection:   direction,
		EnsembleConfidence: confidence,
		Warning:            warning,
	}
}

func signalFor(direction, confidence float64) Signal {
	switch {
	case direction >= 0.2 && confidence >= 0.5:
		return Buy
	case direction <= -0.2 && confidence >= 0.5:
		return Sell
	default:
		return Hold
	}
}

// modelComponent implements spec.md §4.8 step 1. Absent artifact or load
// failure marks the component unavailable; its weight is redistributed
// by the renormalization in predictOne.
func (p *Predictor) modelComponent(r scanner.Result) Component {
	if p.models == nil {
		return Component{Available: false}
	}
	model, err := p.models.Load(r.Ticker)
	if err != nil {
		return Component{Available: false}
	}
	direction, confidence, err := model.Predict(r)
	if err != nil {
		return Component{Available: false}
	}
	return Component{Direction: clip(direction, -1, 1), Confidence: clip(confidence, 0, 1), Available: true}
}

// trendComponent implements spec.md §4.8 step 2: vote on price-vs-MA20
// and MA20-vs-MA50, with confidence the magnitude of the smaller
// relative gap.
func trendComponent(r scanner.Result) Component {
	info := r.Info
	if info.MA20 == nil || info.MA50 == nil {
		return Component{Available: false}
	}

	priceVsMA20 := sign(info.Price - *info.MA20)
	ma20VsMA50 := sign(*info.MA20 - *info.MA50)

	direction := float64(priceVsMA20+ma20VsMA50) / 2

	gap1 := math.Abs(info.Price-*info.MA20) / math.Max(info.Price, 1e-9)
	gap2 := math.Abs(*info.MA20-*info.MA50) / math.Max(*info.MA20, 1e-9)
	confidence := clip(math.Min(gap1, gap2), 0, 1)

	return Component{Direction: direction, Confidence: confidence, Available: true}
}

// technicalComponent implements spec.md §4.8 step 3's RSI-driven rule.
func technicalComponent(r scanner.Result) Component {
	if r.Info.RSI14 == nil {
		return Component{Available: false}
	}
	rsi := *r.Info.RSI14
	switch {
	case rsi < 30:
		return Component{Direction: 1, Confidence: clip((30-rsi)/30, 0, 1), Available: true}
	case rsi > 70:
		return Component{Direction: -1, Confidence: clip((rsi-70)/30, 0, 1), Available: true}
	default:
		return Component{Direction: 0, Confidence: 0.2, Available: true}
	}
}

// sentimentComponent implements spec.md §4.8 step 4: call the news
// sentiment provider; fall back to the market sentiment gap prediction
// when the provider has nothing (<1 article) or is unavailable.
func (p *Predictor) sentimentComponent(ctx context.Context, ticker string, sentiment marketmonitor.Sentiment) Component {
	if p.sentiment != nil {
		articles, direction, confidence, err := p.sentiment.Analyze(ctx, ticker)
		if err == nil && articles >= 1 {
			return Component{Direction: clip(direction, -1, 1), Confidence: clip(confidence, 0, 1), Available: true}
		}
	}
	return Component{
		Direction:  clip(sentiment.GapPrediction.Pct/2, -1, 1),
		Confidence: sentiment.GapPrediction.Confidence,
		Available:  true,
	}
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
