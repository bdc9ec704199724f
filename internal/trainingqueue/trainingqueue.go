// Package trainingqueue implements Phase 4.5: stale-model detection and
// a priority-ordered, capped retraining queue (spec.md §4.10). The queue
// is emitted, not executed — the core never runs the external training
// routine itself, grounded on internal/queue/types.go's Priority/Job
// shape, trimmed to this one concern.
package trainingqueue

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-screener/internal/scorer"
)

// ArtifactInfo is what the queue builder needs to know about a ticker's
// on-disk model artifact.
type ArtifactInfo struct {
	Exists    bool
	TrainedAt time.Time
}

// ArtifactLookup resolves a ticker's current model artifact state.
type ArtifactLookup interface {
	Lookup(ticker string) ArtifactInfo
}

// Config holds spec.md §4.1's training.* keys.
type Config struct {
	Enabled            bool
	MaxModelsPerNight  int
	StaleThresholdDays int
}

// Builder builds the training queue from scored results.
type Builder struct {
	artifacts ArtifactLookup
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// New constructs a Builder.
func New(artifacts ArtifactLookup, cfg Config, log zerolog.Logger) *Builder {
	return &Builder{artifacts: artifacts, cfg: cfg, now: time.Now, log: log.With().Str("component", "training_queue").Logger()}
}

// BuildQueue implements spec.md §4.10's `build_queue(scored) → [Ticker]`.
// If training.enabled is false this is a no-op that still logs "skipped".
func (b *Builder) BuildQueue(scored []scorer.ScoredStock) []string {
	if !b.cfg.Enabled {
		b.log.Info().Msg("skipped")
		return nil
	}

	type candidate struct {
		ticker           string
		opportunityScore float64
	}

	var stale []candidate
	threshold := time.Duration(b.cfg.StaleThresholdDays) * 24 * time.Hour
	now := b.now()

	for _, s := range scored {
		info := b.artifacts.Lookup(s.Ticker)
		if info.Exists && now.Sub(info.TrainedAt) <= threshold {
			continue
		}
		stale = append(stale, candidate{ticker: s.Ticker, opportunityScore: s.OpportunityScore})
	}

	sort.SliceStable(stale, func(i, j int) bool {
		if stale[i].opportunityScore != stale[j].opportunityScore {
			return stale[i].opportunityScore > stale[j].opportunityScore
		}
		return stale[i].ticker < stale[j].ticker
	})

	if b.cfg.MaxModelsPerNight > 0 && len(stale) > b.cfg.MaxModelsPerNight {
		stale = stale[:b.cfg.MaxModelsPerNight]
	}

	out := make([]string, len(stale))
	for i, c := range stale {
		out[i] = c.ticker
	}
	return out
}
