// Package eventrisk implements the Event-Risk Guard: a local calendar of
// upcoming earnings, dividend, and regulatory-disclosure dates backed by
// a pure-Go sqlite driver, combined with the current Regime's crash risk
// into a per-ticker risk score (spec.md §4.7).
package eventrisk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/sentinel-screener/internal/regime"
)

// EventRisk is the per-ticker output (spec.md §3).
type EventRisk struct {
	EarningsInDays  *int    `json:"earnings_in_days"`
	DividendInDays  *int    `json:"dividend_in_days"`
	RegulatoryFlag  bool    `json:"regulatory_flag"`
	RiskScore       float64 `json:"risk_score"`
	SitOut          bool    `json:"sit_out"`
}

// Result is the batch return: a keyed map plus the regime it was
// assessed against (spec.md §4.7's `{per_ticker, market_regime}`).
type Result struct {
	PerTicker    map[string]EventRisk
	MarketRegime regime.Regime
}

// Calendar is the local store of upcoming per-ticker events, schema
// grounded on internal/clientdata/repository.go's TTL-blob table style,
// adapted to store dated calendar rows instead of cached API blobs.
type Calendar struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite-backed calendar at path.
// An empty path yields a Calendar with no backing store: Assess then
// treats every ticker as having no calendar data, per spec.md §4.7's
// "if the local calendar is absent" clause.
func Open(path string) (*Calendar, error) {
	if path == "" {
		return &Calendar{}, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventrisk: opening calendar %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventrisk: migrating calendar schema: %w", err)
	}
	return &Calendar{db: db}, nil
}

// Close releases the underlying database handle, if any.
func (c *Calendar) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS earnings_dates (
	ticker TEXT NOT NULL,
	event_date TEXT NOT NULL,
	PRIMARY KEY (ticker, event_date)
);
CREATE TABLE IF NOT EXISTS dividend_dates (
	ticker TEXT NOT NULL,
	event_date TEXT NOT NULL,
	PRIMARY KEY (ticker, event_date)
);
CREATE TABLE IF NOT EXISTS regulatory_dates (
	ticker TEXT NOT NULL,
	event_date TEXT NOT NULL,
	PRIMARY KEY (ticker, event_date)
);
`

// PutEarnings records an upcoming earnings date for ticker.
func (c *Calendar) PutEarnings(ctx context.Context, ticker string, date time.Time) error {
	return c.put(ctx, "earnings_dates", ticker, date)
}

// PutDividend records an upcoming dividend ex-date for ticker.
func (c *Calendar) PutDividend(ctx context.Context, ticker string, date time.Time) error {
	return c.put(ctx, "dividend_dates", ticker, date)
}

// PutRegulatory records an upcoming regulator-mandated disclosure date.
func (c *Calendar) PutRegulatory(ctx context.Context, ticker string, date time.Time) error {
	return c.put(ctx, "regulatory_dates", ticker, date)
}

func (c *Calendar) put(ctx context.Context, table, ticker string, date time.Time) error {
	if c.db == nil {
		return fmt.Errorf("eventrisk: calendar not open")
	}
	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (ticker, event_date) VALUES (?, ?)", table),
		ticker, date.Format("2006-01-02"))
	return err
}

// nextEventDays returns the integer days from asOf to the nearest future
// date for ticker in table, or nil if none is within the horizon.
func (c *Calendar) nextEventDays(ctx context.Context, table, ticker string, asOf time.Time, horizonDays int) *int {
	if c.db == nil {
		return nil
	}
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf("SELECT event_date FROM %s WHERE ticker = ?", table), ticker)
	if err != nil {
		return nil
	}
	defer rows.Close()

	best := -1
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			continue
		}
		days := int(d.Sub(asOf).Hours() / 24)
		if days < 0 || days > horizonDays {
			continue
		}
		if best == -1 || days < best {
			best = days
		}
	}
	if best == -1 {
		return nil
	}
	return &best
}

func (c *Calendar) hasRegulatoryWithin(ctx context.Context, ticker string, asOf time.Time, days int) bool {
	return c.nextEventDays(ctx, "regulatory_dates", ticker, asOf, days) != nil
}

const (
	eventWindowDays      = 14
	regulatoryWindowDays = 5
	nearTermDays         = 3

	weightEarningsNearTerm = 0.05
	weightDividendNearTerm = 0.02
	weightRegulatory       = 0.04
	weightRegimeCrashRisk  = 0.10

	sitOutThreshold = 0.7
)

// Guard assesses event risk for a batch of tickers against a Regime.
type Guard struct {
	calendar *Calendar
}

// New constructs a Guard over an (optionally nil-backed) Calendar.
func New(calendar *Calendar) *Guard {
	if calendar == nil {
		calendar = &Calendar{}
	}
	return &Guard{calendar: calendar}
}

// Assess implements spec.md §4.7's `assess(tickers, regime) → Result`.
func (g *Guard) Assess(ctx context.Context, tickers []string, r regime.Regime, asOf time.Time) Result {
	out := make(map[string]EventRisk, len(tickers))
	for _, t := range tickers {
		out[t] = g.assessOne(ctx, t, r, asOf)
	}
	return Result{PerTicker: out, MarketRegime: r}
}

func (g *Guard) assessOne(ctx context.Context, ticker string, r regime.Regime, asOf time.Time) EventRisk {
	earningsIn := g.calendar.nextEventDays(ctx, "earnings_dates", ticker, asOf, eventWindowDays)
	dividendIn := g.calendar.nextEventDays(ctx, "dividend_dates", ticker, asOf, eventWindowDays)
	regulatory := g.calendar.hasRegulatoryWithin(ctx, ticker, asOf, regulatoryWindowDays)

	score := weightRegimeCrashRisk * r.CrashRisk
	if earningsIn != nil && *earningsIn <= nearTermDays {
		score += weightEarningsNearTerm
	}
	if dividendIn != nil && *dividendIn <= nearTermDays {
		score += weightDividendNearTerm
	}
	if regulatory {
		score += weightRegulatory
	}
	score = clip(score, 0, 1)

	return EventRisk{
		EarningsInDays: earningsIn,
		DividendInDays: dividendIn,
		RegulatoryFlag: regulatory,
		RiskScore:      score,
		SitOut:         score >= sitOutThreshold,
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
