// Package reporter implements the Reporter phase: renders the nightly
// HTML morning report and CSV export from the final scored stocks and
// run context (spec.md §4.11), with an optional end-of-run archival
// upload to an S3-compatible bucket grounded on
// internal/reliability/r2_backup_service.go's staging+checksum+upload
// shape.
package reporter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/sentinel-screener/internal/errs"
	"github.com/aristath/sentinel-screener/internal/eventrisk"
	"github.com/aristath/sentinel-screener/internal/marketmonitor"
	"github.com/aristath/sentinel-screener/internal/regime"
	"github.com/aristath/sentinel-screener/internal/scorer"
)

// Paths is the Reporter's output (spec.md §4.11: `{html_path, csv_path}`).
type Paths struct {
	HTML string
	CSV  string
}

// Context bundles the per-run data the report template renders. The
// reporter never fetches data itself — everything arrives as an
// immutable snapshot from the Orchestrator.
type Context struct {
	Date           string
	Duration       time.Duration
	UniverseName   string
	ScannedCount   int
	PredictedCount int
	Sentiment      marketmonitor.Sentiment
	Regime         regime.Regime
	Scored         []scorer.ScoredStock
	Errors         []string
	Warnings       []string
}

// Uploader is the narrow S3 contract the Reporter's optional archival
// step depends on.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ArchivalConfig configures the optional end-of-run S3 archival upload.
type ArchivalConfig struct {
	Enabled bool
	Bucket  string
	Prefix  string
}

// Reporter renders the HTML report and CSV export, and optionally
// archives them (plus the state JSON) to S3.
type Reporter struct {
	dir      string
	uploader Uploader
	archival ArchivalConfig
	log      zerolog.Logger
}

// New constructs a Reporter writing under dir (config key report.dir).
// uploader may be nil when archival.Enabled is false.
func New(dir string, uploader Uploader, archival ArchivalConfig, log zerolog.Logger) *Reporter {
	return &Reporter{dir: dir, uploader: uploader, archival: archival, log: log.With().Str("component", "reporter").Logger()}
}

// Emit implements spec.md §4.11's
// `emit(scored, sentiment, regime, event_risks, state_paths) → {html_path, csv_path}`.
// Report/state write failure is fatal (spec.md §7: ReporterFailed).
func (r *Reporter) Emit(ctx context.Context, rc Context, statePath string) (Paths, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Paths{}, errs.Global(errs.ReporterFailed, fmt.Errorf("creating report dir %s: %w", r.dir, err))
	}

	htmlPath := filepath.Join(r.dir, rc.Date+"_report.html")
	csvPath := filepath.Join(r.dir, rc.Date+"_export.csv")

	htmlBuf, err := renderHTML(rc)
	if err != nil {
		return Paths{}, errs.Global(errs.ReporterFailed, fmt.Errorf("rendering report template: %w", err))
	}
	if err := os.WriteFile(htmlPath, htmlBuf, 0o644); err != nil {
		return Paths{}, errs.Global(errs.ReporterFailed, fmt.Errorf("writing %s: %w", htmlPath, err))
	}

	csvBuf, err := renderCSV(rc)
	if err != nil {
		return Paths{}, errs.Global(errs.ReporterFailed, fmt.Errorf("rendering csv export: %w", err))
	}
	if err := os.WriteFile(csvPath, csvBuf, 0o644); err != nil {
		return Paths{}, errs.Global(errs.ReporterFailed, fmt.Errorf("writing %s: %w", csvPath, err))
	}

	paths := Paths{HTML: htmlPath, CSV: csvPath}

	if r.archival.Enabled && r.uploader != nil {
		r.archive(ctx, paths, statePath)
	}

	return paths, nil
}

// archive uploads the report, export, and state JSON to S3. Archival
// failures are logged, never fatal — the report was already written
// locally.
func (r *Reporter) archive(ctx context.Context, paths Paths, statePath string) {
	for _, f := range []string{paths.HTML, paths.CSV, statePath} {
		if f == "" {
			continue
		}
		if err := r.archiveOne(ctx, f); err != nil {
			r.log.Warn().Str("file", f).Err(err).Msg("s3 archival upload failed")
		}
	}
}

func (r *Reporter) archiveOne(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s for archival: %w", path, err)
	}
	checksum := sha256Hex(data)
	key := filepath.Join(r.archival.Prefix, filepath.Base(path))

	_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   &r.archival.Bucket,
		Key:      &key,
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{"sha256": checksum},
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(f float64) string { return strconv.FormatFloat(f*100, 'f', 2, 64) + "%" },
}).Parse(reportHTML))

const reportHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Overnight Screening Report — {{.Date}}</title></head>
<body>
<h1>Overnight Screening Report — {{.Date}}</h1>

<section id="header">
  <p>Universe: {{.UniverseName}}</p>
  <p>Duration: {{.Duration}}</p>
  <p>Scanned: {{.ScannedCount}} | Predicted: {{.PredictedCount}}</p>
</section>

<section id="market-context">
  <h2>Market Context</h2>
  <p>Sentiment score: {{.Sentiment.SentimentScore}} ({{.Sentiment.Recommendation.Stance}})</p>
  <p>Gap prediction: {{.Sentiment.GapPrediction.Direction}} ({{.Sentiment.GapPrediction.Pct}})</p>
  <p>Regime: {{.Regime.Label}} (crash risk {{.Regime.CrashRisk}})</p>
</section>

<section id="top-opportunities">
  <h2>Top Opportunities</h2>
  <table border="1">
    <tr><th>Ticker</th><th>Sector</th><th>Signal</th><th>Opportunity Score</th><th>Band</th></tr>
    {{range .Scored}}<tr><td>{{.Ticker}}</td><td>{{.Sector}}</td><td>{{.Prediction.Signal}}</td><td>{{printf "%.1f" .OpportunityScore}}</td><td>{{.OpportunityBand}}</td></tr>
    {{end}}
  </table>
</section>

<section id="sector-breakdown">
  <h2>Sector Breakdown</h2>
  <table border="1">
    <tr><th>Sector</th><th>Count</th><th>Median Score</th></tr>
    {{range .SectorBreakdown}}<tr><td>{{.Sector}}</td><td>{{.Count}}</td><td>{{printf "%.1f" .MedianScore}}</td></tr>
    {{end}}
  </table>
</section>

<section id="errors-warnings">
  <h2>Errors &amp; Warnings</h2>
  <h3>Errors</h3>
  <ul>{{range .Errors}}<li>{{.}}</li>{{end}}</ul>
  <h3>Warnings</h3>
  <ul>{{range .Warnings}}<li>{{.}}</li>{{end}}</ul>
</section>

</body>
</html>
`

// templateContext adapts Context with the derived sector-breakdown view
// the template needs, since html/template cannot compute a group-by.
type templateContext struct {
	Context
	SectorBreakdown []sectorRow
}

// sectorRow is one line of the report's sector breakdown: ticker count
// plus median screening_score, spec.md §4.11.
type sectorRow struct {
	Sector      string
	Count       int
	MedianScore float64
}

func renderHTML(rc Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, templateContext{Context: rc, SectorBreakdown: sectorBreakdown(rc.Scored)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sectorBreakdown groups scored stocks by sector, pairing each sector's
// ticker count with its median screening_score (gonum's empirical-CDF
// quantile estimator, averaged with the upper middle value for an even
// count — the same computation internal/scanner's MedianScoreBySector
// uses for the Scorer's sector-momentum factor).
func sectorBreakdown(scored []scorer.ScoredStock) []sectorRow {
	bySector := map[string][]float64{}
	for _, s := range scored {
		bySector[s.Sector] = append(bySector[s.Sector], s.ScreeningScore)
	}

	rows := make([]sectorRow, 0, len(bySector))
	for sector, scores := range bySector {
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
		if len(sorted)%2 == 0 {
			median = (median + sorted[len(sorted)/2]) / 2
		}
		rows = append(rows, sectorRow{
			Sector:      sector,
			Count:       len(sorted),
			MedianScore: median,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Sector < rows[j].Sector })
	return rows
}

// csvColumns is the exact, stable column list spec.md §6 names.
var csvColumns = []string{
	"ticker", "sector", "price", "screening_score", "ensemble_confidence",
	"signal", "opportunity_score", "band",
	"earnings_in_days", "dividend_in_days", "regulatory_flag", "risk_score", "sit_out",
}

func renderCSV(rc Context) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvColumns); err != nil {
		return nil, err
	}
	for _, s := range rc.Scored {
		row := []string{
			s.Ticker,
			s.Sector,
			formatFloat(s.Price),
			formatFloat(s.ScreeningScore),
			formatFloat(s.Prediction.EnsembleConfidence),
			string(s.Prediction.Signal),
			formatFloat(s.OpportunityScore),
			string(s.OpportunityBand),
			formatIntPtr(s.EventRisk.EarningsInDays),
			formatIntPtr(s.EventRisk.DividendInDays),
			strconv.FormatBool(s.EventRisk.RegulatoryFlag),
			formatFloat(s.EventRisk.RiskScore),
			strconv.FormatBool(s.EventRisk.SitOut),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

func formatIntPtr(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}
