package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"ohlcv-continuity/internal/upstream"
)

// FetchHistory fetches one page (up to maxPageSize rows) of Binance's
// /klines endpoint for [from, to]. When the page is full it returns
// lastOpenTime + 1 as the continuation cursor, the same startMs advance as
// yitech-candles/adapter/binance/http.go's fetchKlines loop; otherwise the
// cursor is 0. Only finalized candles are
// ever returned by this endpoint.
func (a *Adapter) FetchHistory(ctx context.Context, symbol, interval string, from, to int64) ([]upstream.StreamEvent, int64, error) {
	biInterval, ok := intervalToBinance[interval]
	if !ok {
		return nil, 0, fmt.Errorf("binance: unsupported interval %q", interval)
	}

	if err := a.limiter.AcquirePermit(ctx, 1); err != nil {
		return nil, 0, fmt.Errorf("binance: fetch history: %w", err)
	}

	batch, err := a.fetchBatch(ctx, symbol, biInterval, from, to, maxPageSize)
	if err != nil {
		return nil, 0, err
	}

	var next int64
	if len(batch) == maxPageSize {
		next = batch[len(batch)-1].OpenTime + 1
	}
	return batch, next, nil
}

func (a *Adapter) fetchBatch(ctx context.Context, symbol, biInterval string, startMs, endMs int64, limit int) ([]upstream.StreamEvent, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", biInterval)
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restBaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("binance: rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("binance: unexpected status %d: %s", resp.StatusCode, body)
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}

	return parseKlines(symbol, biInterval, raw)
}

// parseKlines converts Binance's documented kline array shape:
//
//	[ open_time, open, high, low, close, volume, close_time,
//	  quote_asset_volume, trade_count, taker_buy_base, taker_buy_quote, ignore ]
//
// into canonical stream events, all marked final (this is the historical
// REST endpoint; Binance never returns partial bars here).
func parseKlines(symbol, interval string, raw [][]json.RawMessage) ([]upstream.StreamEvent, error) {
	out := make([]upstream.StreamEvent, 0, len(raw))
	for _, row := range raw {
		if len(row) < 9 {
			return nil, fmt.Errorf("binance: malformed kline row (len=%d)", len(row))
		}
		ot, err := parseInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("binance: open_time: %w", err)
		}
		ct, err := parseInt64(row[6])
		if err != nil {
			return nil, fmt.Errorf("binance: close_time: %w", err)
		}
		open, _ := strconv.ParseFloat(jsonString(row[1]), 64)
		high, _ := strconv.ParseFloat(jsonString(row[2]), 64)
		low, _ := strconv.ParseFloat(jsonString(row[3]), 64)
		cls, _ := strconv.ParseFloat(jsonString(row[4]), 64)
		vol, _ := strconv.ParseFloat(jsonString(row[5]), 64)
		trades, _ := parseInt64(row[8])

		out = append(out, upstream.StreamEvent{
			Symbol: symbol, Interval: interval,
			OpenTime: ot, CloseTime: ct,
			Open: open, High: high, Low: low, Close: cls, Volume: vol,
			TradeCount: trades, IsFinal: true,
		})
	}
	return out, nil
}

func parseInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	s := jsonString(raw)
	return strconv.ParseInt(s, 10, 64)
}

func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
