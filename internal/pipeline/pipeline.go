// Package pipeline implements the Pipeline Orchestrator: it drives
// phases 1->6 in strict sequence (spec.md §4.12), wiring every other
// component together, classifying each phase's failures per spec.md
// §7's recovery table, and writing the per-run PipelineState JSON.
// Sequencing and per-step error wrapping are grounded on
// cmd/server/main.go's startup-sequence commentary style and the
// job-isolation-with-warnings discipline the teacher applies across its
// scheduler package.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/sentinel-screener/internal/artifacts"
	"github.com/aristath/sentinel-screener/internal/cache"
	"github.com/aristath/sentinel-screener/internal/config"
	"github.com/aristath/sentinel-screener/internal/errs"
	"github.com/aristath/sentinel-screener/internal/eventrisk"
	"github.com/aristath/sentinel-screener/internal/marketmonitor"
	"github.com/aristath/sentinel-screener/internal/predictor"
	"github.com/aristath/sentinel-screener/internal/quotes"
	"github.com/aristath/sentinel-screener/internal/regime"
	"github.com/aristath/sentinel-screener/internal/reporter"
	"github.com/aristath/sentinel-screener/internal/scanner"
	"github.com/aristath/sentinel-screener/internal/scorer"
	"github.com/aristath/sentinel-screener/internal/trainingqueue"
	"github.com/aristath/sentinel-screener/internal/universe"
	"github.com/aristath/sentinel-screener/internal/utils"
)

// ResourceSnapshot is a point-in-time host-resource probe, logged at run
// start and before each fan-out phase (SPEC_FULL.md §3/§4).
type ResourceSnapshot struct {
	FreeMemMB float64 `json:"free_mem_mb"`
	LoadAvg1  float64 `json:"load_avg_1"`
}

// PipelineState is the Orchestrator's per-run output, written once at
// end to reports/state/<date>_pipeline_state.json (spec.md §3/§6).
type PipelineState struct {
	RunID             string             `json:"run_id"`
	Date              string             `json:"date"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at"`
	DurationSec       float64            `json:"duration_sec"`
	PhaseTimings      map[string]float64 `json:"phase_timings"`
	UniverseName      string             `json:"universe_name"`
	ScannedCount      int                `json:"scanned_count"`
	PredictedCount    int                `json:"predicted_count"`
	TopOpportunities  []scorer.ScoredStock `json:"top_opportunities"`
	MarketSentiment   marketmonitor.Sentiment `json:"market_sentiment"`
	Regime            regime.Regime      `json:"regime"`
	Errors            []string           `json:"errors"`
	Warnings          []string           `json:"warnings"`
	ReportPaths       reporter.Paths     `json:"report_paths"`
	ResourceSnapshot  ResourceSnapshot   `json:"resource_snapshot"`
	Cancelled         bool               `json:"cancelled"`
}

const topOpportunitiesLimit = 20

// Orchestrator wires every phase together and drives a single run.
type Orchestrator struct {
	cfg       *config.Config
	cache     *cache.Cache
	quotes    *quotes.Client
	monitor   *marketmonitor.Monitor
	scanner   *scanner.Scanner
	regimeEng *regime.Classifier
	calendar  *eventrisk.Calendar
	guard     *eventrisk.Guard
	predictor *predictor.Predictor
	scorer    *scorer.Scorer
	queue     *trainingqueue.Builder
	reporter  *reporter.Reporter
	stateDir  string
	log       zerolog.Logger
}

// Deps bundles the external collaborators the core does not implement
// (spec.md §1): the quote provider, the news-sentiment analyzer, and the
// Reporter's optional S3 uploader. Any of them may be nil.
type Deps struct {
	QuoteProvider     quotes.Provider
	SentimentProvider predictor.SentimentProvider
	Uploader          reporter.Uploader
}

// New wires every component from cfg, grounded on cmd/server/main.go's
// "load config, then wire dependencies" sequencing.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Orchestrator, error) {
	c, err := cache.New(cfg.Cache.Dir, cfg.Cache.TTLInfoMin, cfg.Cache.TTLCandlesMin, log)
	if err != nil {
		return nil, errs.Global(errs.ConfigInvalid, fmt.Errorf("constructing cache: %w", err))
	}

	qc := quotes.New(deps.QuoteProvider, quotes.Config{
		BaseDelaySec:    cfg.Quote.BaseDelaySec,
		MaxRetries:      cfg.Quote.MaxRetries,
		RetryBackoffSec: cfg.Quote.RetryBackoffSec,
	}, log)

	sc := scanner.New(c, qc, scanner.Config{
		Workers:      cfg.Scanner.Workers,
		MinMarketCap: cfg.Scanner.MinMarketCap,
		MinAvgVolume: cfg.Scanner.MinAvgVolume,
		MinPrice:     cfg.Scanner.MinPrice,
		MaxPrice:     cfg.Scanner.MaxPrice,
	}, log)

	calendar, err := eventrisk.Open(cfg.Events.Path)
	if err != nil {
		return nil, errs.Global(errs.ConfigInvalid, fmt.Errorf("opening event calendar: %w", err))
	}

	store := artifacts.NewStore(cfg.Models.Dir)

	pr := predictor.New(store, deps.SentimentProvider, predictor.Config{
		Weights: predictor.Weights{
			Model:     cfg.Predictor.Weights.Model,
			Trend:     cfg.Predictor.Weights.Trend,
			Technical: cfg.Predictor.Weights.Technical,
			Sentiment: cfg.Predictor.Weights.Sentiment,
		},
		Workers: cfg.Predictor.Workers,
	}, log)

	sco := scorer.New(cfg.Scorer.Weights, cfg.Scorer.Penalties, cfg.Scorer.Bonuses,
		cfg.Scanner.MinAvgVolume, artifacts.NewMetaLookup(store))

	tq := trainingqueue.New(artifacts.NewArtifactLookup(store), trainingqueue.Config{
		Enabled:            cfg.Training.Enabled,
		MaxModelsPerNight:  cfg.Training.MaxModelsPerNight,
		StaleThresholdDays: cfg.Training.StaleThresholdDays,
	}, log)

	rep := reporter.New(cfg.Report.Dir, deps.Uploader, reporter.ArchivalConfig{
		Enabled: cfg.Report.Archival.Enabled,
		Bucket:  cfg.Report.Archival.Bucket,
		Prefix:  cfg.Report.Archival.Prefix,
	}, log)

	return &Orchestrator{
		cfg:       cfg,
		cache:     c,
		quotes:    qc,
		monitor:   marketmonitor.New(qc, log),
		scanner:   sc,
		regimeEng: regime.New(log),
		calendar:  calendar,
		guard:     eventrisk.New(calendar),
		predictor: pr,
		scorer:    sco,
		queue:     tq,
		reporter:  rep,
		stateDir:  filepath.Join(cfg.Report.Dir, "state"),
		log:       log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Close releases the Orchestrator's owned resources (the event calendar
// handle).
func (o *Orchestrator) Close() error {
	return o.calendar.Close()
}

// Run implements spec.md §4.12's `run(universe, date) → PipelineState`.
// Phases execute strictly sequentially; ctx cancellation is honored
// between phases (spec.md §5: "current phase is allowed to drain").
func (o *Orchestrator) Run(ctx context.Context, u universe.Universe, date string) (PipelineState, error) {
	runID := uuid.NewString()
	started := time.Now()
	log := o.log.With().Str("run_id", runID).Str("universe", u.Name).Logger()

	state := PipelineState{
		RunID:        runID,
		Date:         date,
		StartedAt:    started,
		PhaseTimings: map[string]float64{},
		UniverseName: u.Name,
	}
	state.ResourceSnapshot = snapshotResources(log)

	if len(u.Sectors) == 0 {
		return o.writeFatal(state, errs.Global(errs.ConfigInvalid, fmt.Errorf("universe %q has no sectors", u.Name)))
	}

	var sentiment marketmonitor.Sentiment
	o.timedPhase(&state, "market_monitor", func() {
		var warn string
		sentiment, warn = o.monitor.Snapshot(ctx, u)
		if warn != "" {
			state.Warnings = append(state.Warnings, warn)
		}
	})
	state.MarketSentiment = sentiment

	if cancelled(ctx) {
		return o.writeCancelled(state)
	}

	var scanned []scanner.Result
	o.timedPhase(&state, "scan", func() {
		log.Debug().Interface("resources", snapshotResources(log)).Msg("resource snapshot before scan fan-out")
		var warnings []string
		scanned, warnings = o.scanner.Scan(ctx, u)
		state.Warnings = append(state.Warnings, warnings...)
	})
	state.ScannedCount = len(scanned)

	if cancelled(ctx) {
		state.Cancelled = true
		return o.writeCancelled(state)
	}

	if len(scanned) == 0 {
		log.Warn().Msg("all tickers dropped during scan, skipping remaining phases")
		return o.writeFatal(state, errs.Global(errs.InsufficientData, fmt.Errorf("no tickers survived scanning for universe %s", u.Name)))
	}

	var rgm regime.Regime
	var eventRisks map[string]eventrisk.EventRisk
	o.timedPhase(&state, "regime_and_event_risk", func() {
		indexSeries, err := o.quotes.FetchCandles(ctx, u.IndexSymbol, "3mo", "1d")
		if err != nil {
			log.Warn().Err(err).Msg("could not fetch index series for regime classification, using fallback")
			rgm = regime.Fallback()
			state.Warnings = append(state.Warnings, fmt.Sprintf("RegimeFitFailed: %v", err))
		} else {
			rgm = o.regimeEng.Classify(indexSeries)
		}

		tickers := make([]string, len(scanned))
		for i, r := range scanned {
			tickers[i] = r.Ticker
		}
		result := o.guard.Assess(ctx, tickers, rgm, time.Now())
		eventRisks = result.PerTicker
	})
	state.Regime = rgm

	if cancelled(ctx) {
		state.Cancelled = true
		return o.writeCancelled(state)
	}

	var predictions []predictor.Prediction
	o.timedPhase(&state, "predict", func() {
		log.Debug().Interface("resources", snapshotResources(log)).Msg("resource snapshot before predictor fan-out")
		predictions = o.predictor.PredictAll(ctx, scanned, sentiment)
	})
	state.PredictedCount = len(predictions)
	for _, pred := range predictions {
		if pred.Warning != "" {
			state.Warnings = append(state.Warnings, pred.Warning)
		}
	}

	if cancelled(ctx) {
		state.Cancelled = true
		return o.writeCancelled(state)
	}

	var scored []scorer.ScoredStock
	o.timedPhase(&state, "score", func() {
		scored = o.scorer.Score(predictions, scanned, sentiment, rgm, eventRisks)
	})

	o.timedPhase(&state, "training_queue", func() {
		queued := o.queue.BuildQueue(scored)
		log.Info().Int("queued", len(queued)).Msg("training queue built")
	})

	state.TopOpportunities = topN(scored, topOpportunitiesLimit)

	var reportErr error
	o.timedPhase(&state, "report", func() {
		statePath := filepath.Join(o.stateDir, date+"_pipeline_state.json")
		rc := reporter.Context{
			Date:           date,
			Duration:       time.Since(started),
			UniverseName:   u.Name,
			ScannedCount:   state.ScannedCount,
			PredictedCount: state.PredictedCount,
			Sentiment:      sentiment,
			Regime:         rgm,
			Scored:         scored,
			Errors:         state.Errors,
			Warnings:       state.Warnings,
		}
		paths, err := o.reporter.Emit(ctx, rc, statePath)
		if err != nil {
			reportErr = err
			return
		}
		state.ReportPaths = paths
	})
	if reportErr != nil {
		return o.writeFatal(state, reportErr)
	}

	state.FinishedAt = time.Now()
	state.DurationSec = state.FinishedAt.Sub(started).Seconds()

	if err := o.writeState(state); err != nil {
		return state, errs.Global(errs.StateWriteFailed, err)
	}
	return state, nil
}

// timedPhase runs fn, recording its wall-clock duration into
// state.PhaseTimings (spec.md §4.12/§8 invariant 6), grounded on
// internal/utils.Timer's start/stop shape.
func (o *Orchestrator) timedPhase(state *PipelineState, name string, fn func()) {
	timer := utils.NewTimer(name, o.log)
	fn()
	state.PhaseTimings[name] = timer.Stop().Seconds()
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// writeCancelled finalizes a partial state after an external
// cancellation signal (spec.md §5/§7): the current phase has drained,
// no further phases run.
func (o *Orchestrator) writeCancelled(state PipelineState) (PipelineState, error) {
	state.Cancelled = true
	state.FinishedAt = time.Now()
	state.DurationSec = state.FinishedAt.Sub(state.StartedAt).Seconds()
	_ = o.writeState(state)
	return state, errs.Global(errs.Cancelled, fmt.Errorf("run cancelled for universe %s", state.UniverseName))
}

// writeFatal records err into state.Errors, writes a stub state file
// (best-effort; a failing write is not compounded into a second fatal
// error here), and returns the error for the CLI to classify.
func (o *Orchestrator) writeFatal(state PipelineState, err error) (PipelineState, error) {
	state.Errors = append(state.Errors, err.Error())
	state.FinishedAt = time.Now()
	state.DurationSec = state.FinishedAt.Sub(state.StartedAt).Seconds()
	_ = o.writeState(state)
	return state, err
}

func (o *Orchestrator) writeState(state PipelineState) error {
	if err := os.MkdirAll(o.stateDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: creating state dir: %w", err)
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encoding state: %w", err)
	}
	path := filepath.Join(o.stateDir, state.Date+"_pipeline_state.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("pipeline: writing state file %s: %w", path, err)
	}
	return nil
}

// topN returns up to n of scored, which Score has already sorted by
// opportunity_score desc, ticker asc.
func topN(scored []scorer.ScoredStock, n int) []scorer.ScoredStock {
	if len(scored) <= n {
		out := make([]scorer.ScoredStock, len(scored))
		copy(out, scored)
		return out
	}
	out := make([]scorer.ScoredStock, n)
	copy(out, scored[:n])
	return out
}

// snapshotResources probes free memory and 1-minute load average
// (SPEC_FULL.md §3's gopsutil wiring); a probe failure yields a
// zero-value snapshot and is logged, never fatal.
func snapshotResources(log zerolog.Logger) ResourceSnapshot {
	var snap ResourceSnapshot
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.FreeMemMB = float64(vm.Available) / (1024 * 1024)
	} else {
		log.Warn().Err(err).Msg("could not read memory stats")
	}
	if avg, err := load.Avg(); err == nil {
		snap.LoadAvg1 = avg.Load1
	} else {
		log.Warn().Err(err).Msg("could not read load average")
	}
	return snap
}

// sortedTickers is a small helper used by scenario tests to assert
// ordering without reaching into scorer internals.
func sortedTickers(scored []scorer.ScoredStock) []string {
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Ticker
	}
	sort.Strings(out)
	return out
}
