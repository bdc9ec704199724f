// Package scorer implements the Scorer phase: combines a Prediction,
// the Scanner's screening metrics, market sentiment, regime, and event
// risk into a final opportunity_score (spec.md §4.9), directly grounded
// on the teacher's internal/evaluation/scoring.go weighted-factor-plus
// -penalties-and-bonuses shape.
package scorer

import (
	"math"
	"sort"
	"time"

	"github.com/aristath/sentinel-screener/internal/config"
	"github.com/aristath/sentinel-screener/internal/eventrisk"
	"github.com/aristath/sentinel-screener/internal/marketmonitor"
	"github.com/aristath/sentinel-screener/internal/predictor"
	"github.com/aristath/sentinel-screener/internal/regime"
	"github.com/aristath/sentinel-screener/internal/scanner"
)

// Band is the opportunity-score tier used by the Reporter.
type Band string

const (
	High Band = "HIGH"
	Med  Band = "MED"
	Low  Band = "LOW"
)

// ModelMeta is the on-disk model metadata consulted for the
// fresh_model/high_hit_rate bonuses (spec.md §6's `<ticker>.meta.json`).
type ModelMeta struct {
	TrainedAt time.Time
	HitRate   float64
}

// MetaLookup resolves a ticker's model metadata, if any.
type MetaLookup interface {
	Lookup(ticker string) (ModelMeta, bool)
}

// ScoredStock is the Scorer's per-ticker output (spec.md §3).
type ScoredStock struct {
	Ticker            string               `json:"ticker"`
	Sector            string               `json:"sector"`
	Price             float64              `json:"price"`
	ScreeningScore    float64              `json:"screening_score"`
	Prediction        predictor.Prediction `json:"prediction"`
	EventRisk         eventrisk.EventRisk  `json:"event_risk"`
	OpportunityScore  float64              `json:"opportunity_score"`
	OpportunityBand   Band                 `json:"opportunity_band"`
}

// Scorer runs the Scorer operation. It does no I/O of its own; the
// fresh_model/high_hit_rate bonuses go through the MetaLookup it is
// given (in the pipeline, one that reads meta.json files) and compare
// against the current time.
type Scorer struct {
	weights      config.ScorerWeights
	penalties    config.ScorerPenalties
	bonuses      config.ScorerBonuses
	minAvgVolume float64
	meta         MetaLookup
	now          func() time.Time
}

// New constructs a Scorer. minAvgVolume is the Scanner's configured
// gate (scanner.min_avg_volume), reused by the low_volume penalty
// (spec.md §4.9: "avg_volume < min_avg_volume·1.25"). meta may be nil,
// in which case the fresh_model/high_hit_rate bonuses never trigger.
func New(weights config.ScorerWeights, penalties config.ScorerPenalties, bonuses config.ScorerBonuses, minAvgVolume float64, meta MetaLookup) *Scorer {
	return &Scorer{weights: weights, penalties: penalties, bonuses: bonuses, minAvgVolume: minAvgVolume, meta: meta, now: time.Now}
}

// Score implements spec.md §4.9's
// `score(predictions, scanned, sentiment, regime, event_risks) → [ScoredStock]`.
func (s *Scorer) Score(
	predictions []predictor.Prediction,
	scanned []scanner.Result,
	sentiment marketmonitor.Sentiment,
	rgm regime.Regime,
	eventRisks map[string]eventrisk.EventRisk,
) []ScoredStock {
	predByTicker := make(map[string]predictor.Prediction, len(predictions))
	for _, p := range predictions {
		predByTicker[p.Ticker] = p
	}

	sectorMedian := scanner.MedianScoreBySector(scanned)
	p90Volume := percentile90AvgVolume(scanned)
	sectorMax := sectorMaxScreeningScore(scanned)

	out := make([]ScoredStock, 0, len(scanned))
	for _, sc := range scanned {
		pred, ok := predByTicker[sc.Ticker]
		if !ok {
			continue
		}
		er := eventRisks[sc.Ticker]

		opp := s.opportunityScore(sc, pred, sentiment, rgm, er, sectorMedian[sc.Sector], p90Volume, sectorMax[sc.Sector])

		signal := pred.Signal
		if er.SitOut {
			signal = predictor.Hold
		}
		pred.Signal = signal

		out = append(out, ScoredStock{
			Ticker:           sc.Ticker,
			Sector:           sc.Sector,
			Price:            sc.Info.Price,
			ScreeningScore:   sc.ScreeningScore,
			Prediction:       pred,
			EventRisk:        er,
			OpportunityScore: opp,
			OpportunityBand:  bandFor(opp),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OpportunityScore != out[j].OpportunityScore {
			return out[i].OpportunityScore > out[j].OpportunityScore
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out
}

func (s *Scorer) opportunityScore(
	sc scanner.Result,
	pred predictor.Prediction,
	sentiment marketmonitor.Sentiment,
	rgm regime.Regime,
	er eventrisk.EventRisk,
	sectorMedianScore, p90Volume, sectorMaxScore float64,
) float64 {
	predictionConf := pred.EnsembleConfidence
	technical := technicalSubScoreUnit(sc)
	sentimentAlign := sentimentAlignmentUnit(pred, sentiment)
	liquidity := liquidityUnit(sc.Info.AvgVolume, p90Volume)
	volatility := volatilityUnit(sc.Info.Volatility30D)
	sectorMomentum := clip(sectorMedianScore/100, 0, 1)

	score := 100 * (s.weights.PredictionConf*predictionConf +
		s.weights.Technical*technical +
		s.weights.SentimentAlign*sentimentAlign +
		s.weights.Liquidity*liquidity +
		s.weights.Volatility*volatility +
		s.weights.SectorMomentum*sectorMomentum)

	score += s.adjustments(sc, pred, sentiment, er, sectorMaxScore)
	score -= er.RiskScore * 10

	return clip(score, 0, 100)
}

// adjustments applies spec.md §4.9's one-shot penalties and bonuses.
func (s *Scorer) adjustments(sc scanner.Result, pred predictor.Prediction, sentiment marketmonitor.Sentiment, er eventrisk.EventRisk, sectorMaxScore float64) float64 {
	var delta float64

	if s.minAvgVolume > 0 && sc.Info.AvgVolume < s.minAvgVolume*1.25 {
		delta += s.penalties.LowVolume
	}
	if sc.Info.Volatility30D != nil && *sc.Info.Volatility30D > 0.5 {
		delta += s.penalties.HighVolatility
	}
	if sign(pred.EnsembleDirection) != 0 && sign(sentiment.GapPrediction.Pct) != 0 &&
		sign(pred.EnsembleDirection) == -sign(sentiment.GapPrediction.Pct) && sentiment.GapPrediction.Confidence >= 0.7 {
		delta += s.penalties.Contrarian
	}

	if s.meta != nil {
		if meta, ok := s.meta.Lookup(sc.Ticker); ok {
			if s.now().Sub(meta.TrainedAt) <= 2*24*time.Hour {
				delta += s.bonuses.FreshModel
			}
			if meta.HitRate >= 0.6 {
				delta += s.bonuses.HighHitRate
			}
		}
	}
	if sectorMaxScore > 0 && sc.ScreeningScore >= sectorMaxScore {
		delta += s.bonuses.SectorLeader
	}

	return delta
}

func technicalSubScoreUnit(sc scanner.Result) float64 {
	// The Scanner's technical sub-score is the RSI-band 0-7.5 component
	// out of the documented 0-15 technical sub-score ceiling (spec.md §4.4).
	var sub float64
	if sc.Info.RSI14 != nil && *sc.Info.RSI14 >= 30 && *sc.Info.RSI14 <= 70 {
		sub += 7.5
	}
	if sc.Info.Volatility30D != nil {
		sub += 7.5
	}
	return clip(sub/15, 0, 1)
}

func sentimentAlignmentUnit(pred predictor.Prediction, sentiment marketmonitor.Sentiment) float64 {
	if sign(pred.EnsembleDirection) == sign(sentiment.GapPrediction.Pct) {
		return 1
	}
	return 0.25
}

func liquidityUnit(avgVolume, p90Volume float64) float64 {
	if avgVolume <= 0 || p90Volume <= 0 {
		return 0
	}
	return clip(math.Log10(avgVolume)/math.Log10(p90Volume), 0, 1)
}

func volatilityUnit(vol *float64) float64 {
	if vol == nil {
		return 0.5
	}
	return 1 - clip(*vol/0.6, 0, 1)
}

func bandFor(score float64) Band {
	switch {
	case score >= 80:
		return High
	case score >= 65:
		return Med
	default:
		return Low
	}
}

func percentile90AvgVolume(scanned []scanner.Result) float64 {
	if len(scanned) == 0 {
		return 0
	}
	vols := make([]float64, len(scanned))
	for i, sc := range scanned {
		vols[i] = sc.Info.AvgVolume
	}
	sort.Float64s(vols)
	idx := int(math.Ceil(0.9*float64(len(vols)))) - 1
	idx = clampInt(idx, 0, len(vols)-1)
	return vols[idx]
}

func sectorMaxScreeningScore(scanned []scanner.Result) map[string]float64 {
	out := map[string]float64{}
	for _, sc := range scanned {
		if sc.ScreeningScore > out[sc.Sector] {
			out[sc.Sector] = sc.ScreeningScore
		}
	}
	return out
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

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
