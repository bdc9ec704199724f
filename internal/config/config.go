// Package config loads and validates the screening pipeline's typed
// configuration from a JSON file on disk, with optional .env overlay
// of secrets.
//
// Configuration Loading Order:
//  1. Parse the JSON config file, rejecting unknown keys.
//  2. Apply defaults for omitted keys.
//  3. Load .env file (if present) for QUOTE_API_KEY.
//  4. Validate ranges and weight sums.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/sentinel-screener/internal/errs"
	"github.com/joho/godotenv"
)

// PredictorWeights are the ensemble weights for the Batch Predictor's
// four components. Must sum to 1.0 within 1e-6.
type PredictorWeights struct {
	Model      float64 `json:"model"`
	Trend      float64 `json:"trend"`
	Technical  float64 `json:"technical"`
	Sentiment  float64 `json:"sentiment"`
}

// ScorerWeights are the six opportunity-score factor weights. Must sum
// to 1.0 within 1e-6. Distinct from PredictorWeights by design — see
// spec Open Questions: these are two unrelated weight vectors.
type ScorerWeights struct {
	PredictionConf float64 `json:"prediction_conf"`
	Technical      float64 `json:"technical"`
	SentimentAlign float64 `json:"sentiment_align"`
	Liquidity      float64 `json:"liquidity"`
	Volatility     float64 `json:"volatility"`
	SectorMomentum float64 `json:"sector_momentum"`
}

// ScorerPenalties are one-shot deductions applied when their trigger fires.
type ScorerPenalties struct {
	LowVolume      float64 `json:"low_volume"`
	HighVolatility float64 `json:"high_volatility"`
	Contrarian     float64 `json:"contrarian"`
}

// ScorerBonuses are one-shot additions applied when their trigger fires.
type ScorerBonuses struct {
	FreshModel   float64 `json:"fresh_model"`
	HighHitRate  float64 `json:"high_hit_rate"`
	SectorLeader float64 `json:"sector_leader"`
}

type QuoteConfig struct {
	BaseDelaySec    float64 `json:"base_delay_sec"`
	MaxRetries      int     `json:"max_retries"`
	RetryBackoffSec float64 `json:"retry_backoff_sec"`
}

type CacheConfig struct {
	Dir           string `json:"dir"`
	TTLInfoMin    int    `json:"ttl_info_min"`
	TTLCandlesMin int    `json:"ttl_candles_min"`
}

type ScannerConfig struct {
	Workers       int     `json:"workers"`
	MinMarketCap  float64 `json:"min_market_cap"`
	MinAvgVolume  float64 `json:"min_avg_volume"`
	MinPrice      float64 `json:"min_price"`
	MaxPrice      float64 `json:"max_price"`
}

type PredictorConfig struct {
	Weights PredictorWeights `json:"weights"`
	Workers int              `json:"workers"`
}

type ScorerConfig struct {
	Weights   ScorerWeights   `json:"weights"`
	Penalties ScorerPenalties `json:"penalties"`
	Bonuses   ScorerBonuses   `json:"bonuses"`
}

type TrainingConfig struct {
	Enabled            bool `json:"enabled"`
	MaxModelsPerNight  int  `json:"max_models_per_night"`
	StaleThresholdDays int  `json:"stale_threshold_days"`
}

type RegimeConfig struct {
	NStates int `json:"n_states"`
}

// ArchivalConfig configures the Reporter's optional end-of-run S3
// upload of the report, export, and state JSON (SPEC_FULL.md §3).
type ArchivalConfig struct {
	Enabled bool   `json:"enabled"`
	Bucket  string `json:"bucket"`
	Prefix  string `json:"prefix"`
}

type ReportConfig struct {
	Dir      string         `json:"dir"`
	Archival ArchivalConfig `json:"archival"`
}

// ModelsConfig locates the on-disk model artifact store (spec.md §6's
// `models/<ticker>.artifact` / `<ticker>.meta.json`).
type ModelsConfig struct {
	Dir string `json:"dir"`
}

// EventCalendarConfig locates the Event-Risk Guard's local sqlite
// calendar (internal/eventrisk.Open). An empty path is valid: the Guard
// then treats every ticker as having no calendar data.
type EventCalendarConfig struct {
	Path string `json:"path"`
}

// Config holds the full validated pipeline configuration.
type Config struct {
	Quote     QuoteConfig         `json:"quote"`
	Cache     CacheConfig         `json:"cache"`
	Scanner   ScannerConfig       `json:"scanner"`
	Predictor PredictorConfig     `json:"predictor"`
	Scorer    ScorerConfig        `json:"scorer"`
	Training  TrainingConfig      `json:"training"`
	Regime    RegimeConfig        `json:"regime"`
	Report    ReportConfig        `json:"report"`
	Models    ModelsConfig        `json:"models"`
	Events    EventCalendarConfig `json:"events"`

	// QuoteAPIKey is read from the QUOTE_API_KEY environment variable
	// (optionally via .env), never from the JSON file.
	QuoteAPIKey string `json:"-"`
}

// defaults returns a Config populated with spec.md §4.1's documented
// defaults, to be overlaid by whatever keys the JSON file sets.
func defaults() Config {
	return Config{
		Quote: QuoteConfig{
			BaseDelaySec:    2.0,
			MaxRetries:      3,
			RetryBackoffSec: 5.0,
		},
		Cache: CacheConfig{
			Dir:           "cache/",
			TTLInfoMin:    30,
			TTLCandlesMin: 30,
		},
		Scanner: ScannerConfig{
			Workers: 4,
		},
		Predictor: PredictorConfig{
			Weights: PredictorWeights{Model: 0.45, Trend: 0.25, Technical: 0.15, Sentiment: 0.15},
			Workers: 4,
		},
		Scorer: ScorerConfig{
			Weights:   ScorerWeights{PredictionConf: 0.30, Technical: 0.20, SentimentAlign: 0.15, Liquidity: 0.15, Volatility: 0.10, SectorMomentum: 0.10},
			Penalties: ScorerPenalties{LowVolume: -10, HighVolatility: -15, Contrarian: -20},
			Bonuses:   ScorerBonuses{FreshModel: 5, HighHitRate: 10, SectorLeader: 5},
		},
		Training: TrainingConfig{
			Enabled:            true,
			MaxModelsPerNight:  100,
			StaleThresholdDays: 7,
		},
		Regime: RegimeConfig{NStates: 3},
		Report: ReportConfig{Dir: "reports/"},
		Models: ModelsConfig{Dir: "models/"},
	}
}

// partial mirrors Config but with every numeric field as a pointer, so
// json.Decoder can distinguish "key omitted" from "key set to zero" when
// overlaying onto defaults.
type partial struct {
	Quote     *partialQuote     `json:"quote"`
	Cache     *partialCache     `json:"cache"`
	Scanner   *partialScanner   `json:"scanner"`
	Predictor *partialPredictor `json:"predictor"`
	Scorer    *partialScorer    `json:"scorer"`
	Training  *partialTraining  `json:"training"`
	Regime    *partialRegime    `json:"regime"`
	Report    *partialReport    `json:"report"`
	Models    *partialModels    `json:"models"`
	Events    *partialEvents    `json:"events"`
}

type partialQuote struct {
	BaseDelaySec    *float64 `json:"base_delay_sec"`
	MaxRetries      *int     `json:"max_retries"`
	RetryBackoffSec *float64 `json:"retry_backoff_sec"`
}

type partialCache struct {
	Dir           *string `json:"dir"`
	TTLInfoMin    *int    `json:"ttl_info_min"`
	TTLCandlesMin *int    `json:"ttl_candles_min"`
}

type partialScanner struct {
	Workers      *int     `json:"workers"`
	MinMarketCap *float64 `json:"min_market_cap"`
	MinAvgVolume *float64 `json:"min_avg_volume"`
	MinPrice     *float64 `json:"min_price"`
	MaxPrice     *float64 `json:"max_price"`
}

type partialPredictor struct {
	Weights *PredictorWeights `json:"weights"`
	Workers *int              `json:"workers"`
}

type partialScorer struct {
	Weights   *ScorerWeights   `json:"weights"`
	Penalties *ScorerPenalties `json:"penalties"`
	Bonuses   *ScorerBonuses   `json:"bonuses"`
}

type partialTraining struct {
	Enabled            *bool `json:"enabled"`
	MaxModelsPerNight  *int  `json:"max_models_per_night"`
	StaleThresholdDays *int  `json:"stale_threshold_days"`
}

type partialRegime struct {
	NStates *int `json:"n_states"`
}

type partialReport struct {
	Dir      *string          `json:"dir"`
	Archival *ArchivalConfig  `json:"archival"`
}

type partialModels struct {
	Dir *string `json:"dir"`
}

type partialEvents struct {
	Path *string `json:"path"`
}

// Load parses the JSON config file at path, applies defaults for omitted
// keys, overlays .env secrets, and validates the result. Unknown JSON
// keys are a fatal ConfigInvalid error so typos never silently alter
// behavior.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Global(errs.ConfigInvalid, fmt.Errorf("reading config file %s: %w", path, err))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p partial
	if err := dec.Decode(&p); err != nil {
		return nil, errs.Global(errs.ConfigInvalid, fmt.Errorf("parsing config file %s: %w", path, err))
	}

	cfg := defaults()
	applyOverrides(&cfg, p)

	// .env overlay is optional; a missing file is not an error.
	_ = godotenv.Load()
	cfg.QuoteAPIKey = os.Getenv("QUOTE_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, errs.Global(errs.ConfigInvalid, err)
	}

	return &cfg, nil
}

func applyOverrides(cfg *Config, p partial) {
	if p.Quote != nil {
		if p.Quote.BaseDelaySec != nil {
			cfg.Quote.BaseDelaySec = *p.Quote.BaseDelaySec
		}
		if p.Quote.MaxRetries != nil {
			cfg.Quote.MaxRetries = *p.Quote.MaxRetries
		}
		if p.Quote.RetryBackoffSec != nil {
			cfg.Quote.RetryBackoffSec = *p.Quote.RetryBackoffSec
		}
	}
	if p.Cache != nil {
		if p.Cache.Dir != nil {
			cfg.Cache.Dir = *p.Cache.Dir
		}
		if p.Cache.TTLInfoMin != nil {
			cfg.Cache.TTLInfoMin = *p.Cache.TTLInfoMin
		}
		if p.Cache.TTLCandlesMin != nil {
			cfg.Cache.TTLCandlesMin = *p.Cache.TTLCandlesMin
		}
	}
	if p.Scanner != nil {
		if p.Scanner.Workers != nil {
			cfg.Scanner.Workers = *p.Scanner.Workers
		}
		if p.Scanner.MinMarketCap != nil {
			cfg.Scanner.MinMarketCap = *p.Scanner.MinMarketCap
		}
		if p.Scanner.MinAvgVolume != nil {
			cfg.Scanner.MinAvgVolume = *p.Scanner.MinAvgVolume
		}
		if p.Scanner.MinPrice != nil {
			cfg.Scanner.MinPrice = *p.Scanner.MinPrice
		}
		if p.Scanner.MaxPrice != nil {
			cfg.Scanner.MaxPrice = *p.Scanner.MaxPrice
		}
	}
	if p.Predictor != nil {
		if p.Predictor.Weights != nil {
			cfg.Predictor.Weights = *p.Predictor.Weights
		}
		if p.Predictor.Workers != nil {
			cfg.Predictor.Workers = *p.Predictor.Workers
		}
	}
	if p.Scorer != nil {
		if p.Scorer.Weights != nil {
			cfg.Scorer.Weights = *p.Scorer.Weights
		}
		if p.Scorer.Penalties != nil {
			cfg.Scorer.Penalties = *p.Scorer.Penalties
		}
		if p.Scorer.Bonuses != nil {
			cfg.Scorer.Bonuses = *p.Scorer.Bonuses
		}
	}
	if p.Training != nil {
		if p.Training.Enabled != nil {
			cfg.Training.Enabled = *p.Training.Enabled
		}
		if p.Training.MaxModelsPerNight != nil {
			cfg.Training.MaxModelsPerNight = *p.Training.MaxModelsPerNight
		}
		if p.Training.StaleThresholdDays != nil {
			cfg.Training.StaleThresholdDays = *p.Training.StaleThresholdDays
		}
	}
	if p.Regime != nil && p.Regime.NStates != nil {
		cfg.Regime.NStates = *p.Regime.NStates
	}
	if p.Report != nil {
		if p.Report.Dir != nil {
			cfg.Report.Dir = *p.Report.Dir
		}
		if p.Report.Archival != nil {
			cfg.Report.Archival = *p.Report.Archival
		}
	}
	if p.Models != nil && p.Models.Dir != nil {
		cfg.Models.Dir = *p.Models.Dir
	}
	if p.Events != nil && p.Events.Path != nil {
		cfg.Events.Path = *p.Events.Path
	}
}

const weightTolerance = 1e-6

// Validate checks weight sums and numeric ranges. Weights that do not
// sum to 1.0 within 1e-6 are fatal.
func (c *Config) Validate() error {
	if sum := c.Predictor.Weights.Model + c.Predictor.Weights.Trend + c.Predictor.Weights.Technical + c.Predictor.Weights.Sentiment; abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("predictor.weights must sum to 1.0, got %.6f", sum)
	}
	w := c.Scorer.Weights
	if sum := w.PredictionConf + w.Technical + w.SentimentAlign + w.Liquidity + w.Volatility + w.SectorMomentum; abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("scorer.weights must sum to 1.0, got %.6f", sum)
	}
	if c.Scanner.Workers <= 0 {
		return fmt.Errorf("scanner.workers must be positive, got %d", c.Scanner.Workers)
	}
	if c.Predictor.Workers <= 0 {
		return fmt.Errorf("predictor.workers must be positive, got %d", c.Predictor.Workers)
	}
	if c.Quote.MaxRetries < 0 {
		return fmt.Errorf("quote.max_retries must be non-negative, got %d", c.Quote.MaxRetries)
	}
	if c.Regime.NStates <= 0 {
		return fmt.Errorf("regime.n_states must be positive, got %d", c.Regime.NStates)
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
