// Package model holds the domain types shared across every component of the
// continuity engine: candles, gap segments, backfill runs, and the push
// envelope. None of these types know how they are persisted or transported.
package model

// Candle is one OHLCV bar for a (Symbol, Interval) pair, keyed by OpenTime.
//
// OpenTime and CloseTime are unix milliseconds. CloseTime is always
// OpenTime + IntervalMs - 1. IsClosed distinguishes a finalized candle
// (persisted) from a partial preview (transient, never persisted).
type Candle struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	OpenTime   int64  `json:"open_time"`
	CloseTime  int64  `json:"close_time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TradeCount int64   `json:"trade_count,omitempty"`
	IsClosed   bool    `json:"is_closed"`
}

// Key identifies the (symbol, interval) stream this candle belongs to.
func (c Candle) Key() string {
	return c.Symbol + ":" + c.Interval
}

// Equal reports whether two candles carry identical OHLCV content for the
// same key. Used by CS to classify an upsert as unchanged vs. a repair.
func (c Candle) Equal(other Candle) bool {
	return c.Open == other.Open &&
		c.High == other.High &&
		c.Low == other.Low &&
		c.Close == other.Close &&
		c.Volume == other.Volume &&
		c.TradeCount == other.TradeCount &&
		c.CloseTime == other.CloseTime
}

// IntervalMs maps the canonical interval strings this engine accepts to
// their millisecond step. Unknown intervals are the caller's error to
// reject at the boundary (DA, UA config validation).
var IntervalMs = map[string]int64{
	"1s":  1000,
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}
