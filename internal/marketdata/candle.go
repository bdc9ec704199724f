// Package marketdata holds the candle series and derived ticker-info
// types shared by the Quote Client, Cache, and Scanner.
package marketdata

import (
	"fmt"
	"time"
)

// Candle is a single OHLCV bar.
type Candle struct {
	TS     time.Time `msgpack:"ts"`
	Open   float64   `msgpack:"open"`
	High   float64   `msgpack:"high"`
	Low    float64   `msgpack:"low"`
	Close  float64   `msgpack:"close"`
	Volume float64   `msgpack:"volume"`
}

// Series is an ordered candle sequence. The invariant is strictly
// monotonic timestamps, ascending, with no duplicates.
type Series []Candle

// Validate checks the strictly-monotonic-ascending invariant.
func (s Series) Validate() error {
	for i := 1; i < len(s); i++ {
		if !s[i].TS.After(s[i-1].TS) {
			return fmt.Errorf("candle series not strictly monotonic at index %d (%s -> %s)", i, s[i-1].TS, s[i].TS)
		}
	}
	return nil
}

// Closes returns the closing prices in series order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}

// Returns computes simple period-over-period returns from closes,
// length len(s)-1.
func (s Series) Returns() []float64 {
	closes := s.Closes()
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = (closes[i] - closes[i-1]) / closes[i-1]
	}
	return out
}

// TickerMeta is descriptive ticker metadata (market cap, beta, listing
// exchange) fetched and cached independently from the candle series,
// since it changes far less often (cache.KindInfo, spec.md §4.4).
type TickerMeta struct {
	MarketCap float64 `msgpack:"market_cap" json:"market_cap"`
	Beta      float64 `msgpack:"beta" json:"beta"`
	Exchange  string  `msgpack:"exchange" json:"exchange"`
}

// TickerInfo is the Scanner's computed snapshot for one ticker. All
// indicator fields may be nil if the series lacked enough history
// (<20 candles for MA20, <50 for MA50, <14 for RSI).
type TickerInfo struct {
	Ticker        string   `json:"ticker"`
	SectorName    string   `json:"sector_name"`
	MarketCap     float64  `json:"market_cap"`
	AvgVolume     float64  `json:"avg_volume"`
	Price         float64  `json:"price"`
	Beta          float64  `json:"beta"`
	RSI14         *float64 `json:"rsi_14"`
	MA20          *float64 `json:"ma_20"`
	MA50          *float64 `json:"ma_50"`
	Volatility30D *float64 `json:"volatility_30d"`
	Exchange      string   `json:"exchange"`
}
