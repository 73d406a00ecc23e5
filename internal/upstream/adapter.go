// Package upstream defines the adapter boundary to a live market-data
// provider: a streaming candle feed (partials + finalization) and a paged
// historical REST endpoint, normalized to model.Candle. Concrete adapters
// live in sub-packages per exchange, grounded on the per-exchange shape in
// the yitech-candles example pack (adapter/binance, adapter/okx).
package upstream

import "context"

// StreamEvent is one message from the live candle stream: a partial update
// or a finalization for (symbol, interval, open_time).
type StreamEvent struct {
	Symbol     string
	Interval   string
	OpenTime   int64
	CloseTime  int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64
	IsFinal    bool
}

// Adapter is the Upstream Adapter boundary. At-least-once delivery is
// expected on SubscribeStream: duplicates are possible across reconnects
// and callers (Stream Consumer) must tolerate them.
type Adapter interface {
	// SubscribeStream streams candle events for (symbol, interval) into a
	// channel owned by the adapter, closing it when ctx is cancelled or the
	// adapter gives up after repeated fatal decode failures.
	SubscribeStream(ctx context.Context, symbol, interval string) (<-chan StreamEvent, error)

	// FetchHistory returns finalized candles for [from, to] ascending by
	// open_time, capped at the provider's page limit, plus a continuation
	// cursor when more data remains.
	FetchHistory(ctx context.Context, symbol, interval string, from, to int64) (candles []StreamEvent, nextCursor int64, err error)
}
