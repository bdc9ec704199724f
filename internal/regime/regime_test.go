package regime

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-screener/internal/marketdata"
)

func mkSeries(closes []float64) marketdata.Series {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := make(marketdata.Series, len(closes))
	for i, c := range closes {
		s[i] = marketdata.Candle{TS: base.AddDate(0, 0, i), Close: c}
	}
	return s
}

func calmWalk(n int, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	price := 1000.0
	for i := range out {
		price *= 1 + 0.0005*r.NormFloat64()
		out[i] = price
	}
	return out
}

func volatileWalk(n int, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	price := 1000.0
	for i := range out {
		price *= 1 + 0.05*r.NormFloat64()
		out[i] = math.Max(price, 1)
	}
	return out
}

func TestClassify_InsufficientHistoryReturnsFallback(t *testing.T) {
	c := New(zerolog.Nop())
	r := c.Classify(mkSeries([]float64{100, 101, 102}))
	assert.Equal(t, Fallback(), r)
}

func TestClassify_DegenerateSeriesReturnsFallback(t *testing.T) {
	c := New(zerolog.Nop())
	flat := make([]float64, 300)
	for i := range flat {
		flat[i] = 100
	}
	r := c.Classify(mkSeries(flat))
	assert.Equal(t, Fallback(), r)
}

func TestClassify_StateProbsSumToOne(t *testing.T) {
	c := New(zerolog.Nop())
	r := c.Classify(mkSeries(calmWalk(300, 1)))
	sum := r.StateProbs[0] + r.StateProbs[1] + r.StateProbs[2]
	assert.InDelta(t, 1.0, sum, 0.05)
}

func TestClassify_CrashRiskWithinBounds(t *testing.T) {
	c := New(zerolog.Nop())
	r := c.Classify(mkSeries(volatileWalk(300, 2)))
	assert.GreaterOrEqual(t, r.CrashRisk, 0.0)
	assert.LessOrEqual(t, r.CrashRisk, 1.0)
}

func TestClassify_VolatileSeriesClassifiesHigherThanCalm(t *testing.T) {
	c := New(zerolog.Nop())
	calm := c.Classify(mkSeries(calmWalk(300, 3)))
	volatile := c.Classify(mkSeries(volatileWalk(300, 4)))
	assert.Greater(t, volatile.AnnualVol, calm.AnnualVol)
}

func TestFallback_MatchesSpecDefaults(t *testing.T) {
	f := Fallback()
	require.Equal(t, Normal, f.Label)
	assert.Equal(t, [3]float64{0.33, 0.34, 0.33}, f.StateProbs)
	assert.Equal(t, 0.5, f.CrashRisk)
}

func TestLogReturns_SkipsNonPositiveCloses(t *testing.T) {
	r := logReturns([]float64{100, 0, 110})
	assert.Len(t, r, 0)
}

func TestClassifyByQuantile_Boundaries(t *testing.T) {
	label, probs := classifyByQuantile(0.1, 0.2, 0.4)
	assert.Equal(t, Calm, label)
	assert.Equal(t, 0.0, probs[2])

	label, probs = classifyByQuantile(0.5, 0.2, 0.4)
	assert.Equal(t, HighVol, label)
	assert.Equal(t, 0.0, probs[0])

	label, _ = classifyByQuantile(0.3, 0.2, 0.4)
	assert.Equal(t, Normal, label)
}
