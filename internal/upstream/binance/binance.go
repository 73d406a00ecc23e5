// Package binance implements upstream.Adapter against Binance's public
// kline REST endpoint and WS kline stream, grounded directly on
// yitech-candles/adapter/binance/{binance,http,ws}.go.
package binance

import (
	"log/slog"
	"net/http"
	"time"

	"ohlcv-continuity/internal/ratelimit"
)

const (
	restBaseURL = "https://api.binance.com/api/v3/klines"
	wsBaseURL   = "wss://stream.binance.com:9443/ws"
	maxPageSize = 1000
)

// Adapter implements upstream.Adapter for Binance.
type Adapter struct {
	httpClient *http.Client
	limiter    *ratelimit.Bucket
	log        *slog.Logger
}

// New creates a Binance adapter. The limiter enforces Binance's weight-based
// request budget; the caller chooses its capacity/refill (cmd/ohlcvd uses
// fixed values, not Config keys).
func New(limiter *ratelimit.Bucket, log *slog.Logger) *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
		log:        log,
	}
}

// intervalToBinance maps this engine's canonical interval strings to
// Binance's own kline interval notation (identical for the intervals this
// engine supports, kept as an explicit map so a future divergent interval
// does not silently mis-map).
var intervalToBinance = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "4h": "4h", "1d": "1d",
}
