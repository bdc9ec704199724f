package predictor

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-screener/internal/marketdata"
	"github.com/aristath/sentinel-screener/internal/marketmonitor"
	"github.com/aristath/sentinel-screener/internal/scanner"
)

func f(v float64) *float64 { return &v }

func neutralSentiment() marketmonitor.Sentiment {
	return marketmonitor.Sentiment{
		GapPrediction: marketmonitor.GapPrediction{Pct: 0, Confidence: 0.5, Direction: marketmonitor.DirectionFlat},
	}
}

func defaultWeights() Weights {
	return Weights{Model: 0.45, Trend: 0.25, Technical: 0.15, Sentiment: 0.15}
}

type stubModel struct {
	direction, confidence float64
	err                   error
}

func (m stubModel) Predict(scanner.Result) (float64, float64, error) {
	return m.direction, m.confidence, m.err
}

type stubLoader struct {
	models map[string]Model
}

func (l stubLoader) Load(ticker string) (Model, error) {
	m, ok := l.models[ticker]
	if !ok {
		return nil, fmt.Errorf("no artifact for %s", ticker)
	}
	return m, nil
}

func mkResult(ticker string, price float64, ma20, ma50, rsi *float64) scanner.Result {
	return scanner.Result{
		Ticker: ticker,
		Info: marketdata.TickerInfo{
			Ticker: ticker,
			Price:  price,
			MA20:   ma20,
			MA50:   ma50,
			RSI14:  rsi,
		},
	}
}

func TestPredictOne_AllComponentsAvailableWeightedMean(t *testing.T) {
	loader := stubLoader{models: map[string]Model{
		"CBA.AX": stubModel{direction: 1, confidence: 0.9},
	}}
	p := New(loader, nil, Config{Weights: defaultWeights(), Workers: 1}, zerolog.Nop())

	r := mkResult("CBA.AX", 110, f(100), f(90), f(20))
	pred := p.predictOne(context.Background(), r, neutralSentiment())

	assert.True(t, pred.Components.Model.Available)
	assert.True(t, pred.Components.Trend.Available)
	assert.True(t, pred.Components.Technical.Available)
	assert.True(t, pred.Components.Sentiment.Available)
	assert.GreaterOrEqual(t, pred.EnsembleConfidence, 0.0)
	assert.LessOrEqual(t, pred.EnsembleConfidence, 1.0)
}

func TestPredictOne_MissingModelRenormalizesWeights(t *testing.T) {
	p := New(nil, nil, Config{Weights: defaultWeights(), Workers: 1}, zerolog.Nop())
	r := mkResult("XYZ.AX", 110, f(100), f(90), f(20))

	pred := p.predictOne(context.Background(), r, neutralSentiment())
	assert.False(t, pred.Components.Model.Available)

	wSum := defaultWeights().Trend + defaultWeights().Technical + defaultWeights().Sentiment
	expectedConf := (defaultWeights().Trend*pred.Components.Trend.Confidence +
		defaultWeights().Technical*pred.Components.Technical.Confidence +
		defaultWeights().Sentiment*pred.Components.Sentiment.Confidence) / wSum
	assert.InDelta(t, expectedConf, pred.EnsembleConfidence, 1e-9)
}

func TestPredictOne_AllUnavailableSetsWarning(t *testing.T) {
	weights := Weights{Model: 0.55, Trend: 0.25, Technical: 0.2, Sentiment: 0}
	p := New(nil, nil, Config{Weights: weights, Workers: 1}, zerolog.Nop())
	r := mkResult("ZZZ.AX", 50, nil, nil, nil)

	pred := p.predictOne(context.Background(), r, neutralSentiment())
	require.NotEmpty(t, pred.Warning)
	assert.Contains(t, pred.Warning, "ZZZ.AX")
	assert.Equal(t, 0.0, pred.EnsembleDirection)
	assert.Equal(t, 0.0, pred.EnsembleConfidence)
}

func TestTrendComponent_UnavailableWithoutMA(t *testing.T) {
	r := mkResult("ABC", 100, nil, nil, nil)
	c := trendComponent(r)
	assert.False(t, c.Available)
}

func TestTechnicalComponent_RSIBands(t *testing.T) {
	oversold := technicalComponent(mkResult("A", 10, nil, nil, f(20)))
	assert.Equal(t, 1.0, oversold.Direction)
	assert.InDelta(t, 1.0/3, oversold.Confidence, 1e-9)

	overbought := technicalComponent(mkResult("B", 10, nil, nil, f(90)))
	assert.Equal(t, -1.0, overbought.Direction)
	assert.InDelta(t, 2.0/3, overbought.Confidence, 1e-9)

	neutral := technicalComponent(mkResult("C", 10, nil, nil, f(50)))
	assert.Equal(t, 0.0, neutral.Direction)
	assert.Equal(t, 0.2, neutral.Confidence)
}

func TestSentimentComponent_FallsBackToGapPrediction(t *testing.T) {
	p := New(nil, nil, Config{Weights: defaultWeights()}, zerolog.Nop())
	sentiment := marketmonitor.Sentiment{
		GapPrediction: marketmonitor.GapPrediction{Pct: 0.4, Confidence: 0.8},
	}
	c := p.sentimentComponent(context.Background(), "X", sentiment)
	assert.True(t, c.Available)
	assert.InDelta(t, 0.2, c.Direction, 1e-9)
	assert.Equal(t, 0.8, c.Confidence)
}

type stubSentiment struct {
	articles              int
	direction, confidence float64
	err                   error
}

func (s stubSentiment) Analyze(context.Context, string) (int, float64, float64, error) {
	return s.articles, s.direction, s.confidence, s.err
}

func TestSentimentComponent_UsesProviderWhenArticlesPresent(t *testing.T) {
	p := New(nil, stubSentiment{articles: 3, direction: -0.5, confidence: 0.7}, Config{Weights: defaultWeights()}, zerolog.Nop())
	c := p.sentimentComponent(context.Background(), "X", neutralSentiment())
	assert.Equal(t, -0.5, c.Direction)
	assert.Equal(t, 0.7, c.Confidence)
}

func TestSignalFor_Thresholds(t *testing.T) {
	assert.Equal(t, Buy, signalFor(0.25, 0.6))
	assert.Equal(t, Sell, signalFor(-0.3, 0.55))
	assert.Equal(t, Hold, signalFor(0.25, 0.4))
	assert.Equal(t, Hold, signalFor(0.1, 0.9))
}

func TestPredictAll_PreservesOrderAndCount(t *testing.T) {
	p := New(nil, nil, Config{Weights: defaultWeights(), Workers: 2}, zerolog.Nop())
	results := []scanner.Result{
		mkResult("A", 10, f(9), f(8), f(50)),
		mkResult("B", 10, f(9), f(8), f(50)),
		mkResult("C", 10, f(9), f(8), f(50)),
	}
	preds := p.PredictAll(context.Background(), results, neutralSentiment())
	require.Len(t, preds, 3)
	assert.Equal(t, "A", preds[0].Ticker)
	assert.Equal(t, "B", preds[1].Ticker)
	assert.Equal(t, "C", preds[2].Ticker)
}
