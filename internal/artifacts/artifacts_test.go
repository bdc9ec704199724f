package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-screener/internal/scanner"
)

func scannerResultStub() scanner.Result {
	return scanner.Result{Ticker: "CBA.AX"}
}

func writeArtifact(t *testing.T, dir, ticker string, direction, confidence float64) {
	t.Helper()
	raw, err := json.Marshal(fileModel{Direction: direction, Confidence: confidence})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ticker+".artifact"), raw, 0o644))
}

func writeMeta(t *testing.T, dir, ticker string, trainedAt time.Time, hitRate float64) {
	t.Helper()
	raw, err := json.Marshal(meta{TrainedAt: trainedAt, HitRate: hitRate, Version: 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ticker+".meta.json"), raw, 0o644))
}

func TestStore_Load_MissingArtifactErrors(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load("CBA.AX")
	assert.Error(t, err)
}

func TestStore_Load_ReturnsDirectionAndConfidence(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "CBA.AX", 0.7, 0.85)
	s := NewStore(dir)

	model, err := s.Load("CBA.AX")
	require.NoError(t, err)
	direction, confidence, err := model.Predict(scannerResultStub())
	require.NoError(t, err)
	assert.Equal(t, 0.7, direction)
	assert.Equal(t, 0.85, confidence)
}

func TestMetaLookup_AbsentReturnsFalse(t *testing.T) {
	ml := NewMetaLookup(NewStore(t.TempDir()))
	_, ok := ml.Lookup("CBA.AX")
	assert.False(t, ok)
}

func TestMetaLookup_ReadsTrainedAtAndHitRate(t *testing.T) {
	dir := t.TempDir()
	trainedAt := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	writeMeta(t, dir, "CBA.AX", trainedAt, 0.65)

	ml := NewMetaLookup(NewStore(dir))
	got, ok := ml.Lookup("CBA.AX")
	require.True(t, ok)
	assert.True(t, got.TrainedAt.Equal(trainedAt))
	assert.Equal(t, 0.65, got.HitRate)
}

func TestArtifactLookup_AbsentYieldsNotExists(t *testing.T) {
	al := NewArtifactLookup(NewStore(t.TempDir()))
	info := al.Lookup("CBA.AX")
	assert.False(t, info.Exists)
}

func TestArtifactLookup_PresentYieldsTrainedAt(t *testing.T) {
	dir := t.TempDir()
	trainedAt := time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)
	writeArtifact(t, dir, "CBA.AX", 0.1, 0.5)
	writeMeta(t, dir, "CBA.AX", trainedAt, 0.5)

	al := NewArtifactLookup(NewStore(dir))
	info := al.Lookup("CBA.AX")
	assert.True(t, info.Exists)
	assert.True(t, info.TrainedAt.Equal(trainedAt))
}
