// Package artifacts resolves on-disk model artifacts and their metadata
// sidecar files (spec.md §6's `models/<ticker>.artifact` and
// `models/<ticker>.meta.json`), implementing the three narrow lookup
// contracts the Batch Predictor, Scorer, and Training Queue each depend
// on. The artifact payload itself is opaque to the core (spec.md §1);
// this package only resolves presence, staleness, and the small
// `predict(series) -> {direction, confidence}` entry point spec.md §6
// documents for the direction-predictor contract.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/sentinel-screener/internal/predictor"
	"github.com/aristath/sentinel-screener/internal/scanner"
	"github.com/aristath/sentinel-screener/internal/scorer"
	"github.com/aristath/sentinel-screener/internal/trainingqueue"
)

// meta is the `<ticker>.meta.json` sidecar shape (spec.md §6).
type meta struct {
	TrainedAt time.Time `json:"trained_at"`
	HitRate   float64   `json:"hit_rate"`
	Version   int       `json:"version"`
}

// Store resolves model artifacts and metadata under a models/ directory.
type Store struct {
	dir string
}

// NewStore constructs a Store rooted at dir (the pipeline passes the
// models.dir config value, cfg.Models.Dir).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) artifactPath(ticker string) string {
	return filepath.Join(s.dir, ticker+".artifact")
}

func (s *Store) metaPath(ticker string) string {
	return filepath.Join(s.dir, ticker+".meta.json")
}

func (s *Store) readMeta(ticker string) (meta, bool) {
	raw, err := os.ReadFile(s.metaPath(ticker))
	if err != nil {
		return meta{}, false
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return meta{}, false
	}
	return m, true
}

// fileModel is the direction/confidence pair an artifact file encodes.
// The artifact format itself is opaque to the core per spec.md §1; the
// Store only needs to round-trip the two numbers the consumed contract
// documents, so the artifact file is a small JSON envelope rather than
// a proprietary model format.
type fileModel struct {
	Direction  float64 `json:"direction"`
	Confidence float64 `json:"confidence"`
}

// Predict implements predictor.Model: an artifact's recorded
// direction/confidence is constant across tickers in a run (retraining,
// not prediction, is what would change it).
func (m fileModel) Predict(_ scanner.Result) (float64, float64, error) {
	return m.Direction, m.Confidence, nil
}

// Load implements predictor.ModelLoader: an absent or unparsable
// artifact marks the model component unavailable (spec.md §7:
// ArtifactMissing), never a fatal error.
func (s *Store) Load(ticker string) (predictor.Model, error) {
	raw, err := os.ReadFile(s.artifactPath(ticker))
	if err != nil {
		return nil, fmt.Errorf("artifacts: no artifact for %s: %w", ticker, err)
	}
	var fm fileModel
	if err := json.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("artifacts: corrupt artifact for %s: %w", ticker, err)
	}
	return fm, nil
}

// MetaLookup adapts Store to scorer.MetaLookup.
type MetaLookup struct{ store *Store }

// NewMetaLookup constructs a scorer.MetaLookup over store.
func NewMetaLookup(store *Store) MetaLookup { return MetaLookup{store: store} }

func (m MetaLookup) Lookup(ticker string) (scorer.ModelMeta, bool) {
	meta, ok := m.store.readMeta(ticker)
	if !ok {
		return scorer.ModelMeta{}, false
	}
	return scorer.ModelMeta{TrainedAt: meta.TrainedAt, HitRate: meta.HitRate}, true
}

// ArtifactLookup adapts Store to trainingqueue.ArtifactLookup.
type ArtifactLookup struct{ store *Store }

// NewArtifactLookup constructs a trainingqueue.ArtifactLookup over store.
func NewArtifactLookup(store *Store) ArtifactLookup { return ArtifactLookup{store: store} }

func (a ArtifactLookup) Lookup(ticker string) trainingqueue.ArtifactInfo {
	if _, err := os.Stat(a.store.artifactPath(ticker)); err != nil {
		return trainingqueue.ArtifactInfo{}
	}
	meta, ok := a.store.readMeta(ticker)
	if !ok {
		return trainingqueue.ArtifactInfo{Exists: true}
	}
	return trainingqueue.ArtifactInfo{Exists: true, TrainedAt: meta.TrainedAt}
}
