// Package okx implements upstream.Adapter against OKX's public candle REST
// endpoint and WS candle channel, grounded on yitech-candles/adapter/okx/okx.go.
// OKX instrument IDs are hyphenated ("BTC-USDT") and its bar notation differs
// from this engine's canonical interval strings ("1m" -> "1m", "1h" -> "1H",
// "1d" -> "1D"), so both are translated at the adapter boundary.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ohlcv-continuity/internal/ratelimit"
	"ohlcv-continuity/internal/upstream"
)

const (
	restBaseURL   = "https://www.okx.com/api/v5/market/candles"
	wsURL         = "wss://ws.okx.com:8443/ws/v5/public"
	maxPageSize   = 300
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

var intervalToBar = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "4h": "4H", "1d": "1D",
}

// Adapter implements upstream.Adapter for OKX.
type Adapter struct {
	httpClient *http.Client
	limiter    *ratelimit.Bucket
	log        *slog.Logger
}

// New creates an OKX adapter.
func New(limiter *ratelimit.Bucket, log *slog.Logger) *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: 10 * time.Second}, limiter: limiter, log: log}
}

// toInstID converts a canonical symbol like "BTCUSDT" to OKX's hyphenated
// "BTC-USDT" form assuming a USDT-quoted pair, the common case for this
// engine's symbol set.
func toInstID(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	if strings.HasSuffix(symbol, "USDT") {
		return strings.TrimSuffix(symbol, "USDT") + "-USDT"
	}
	return symbol
}

// FetchHistory pages OKX's /market/candles endpoint. OKX returns newest
// candles first, so results are reversed to ascending open_time before
// returning, matching the contract of upstream.Adapter.
func (a *Adapter) FetchHistory(ctx context.Context, symbol, interval string, from, to int64) ([]upstream.StreamEvent, int64, error) {
	bar, ok := intervalToBar[interval]
	if !ok {
		return nil, 0, fmt.Errorf("okx: unsupported interval %q", interval)
	}
	if err := a.limiter.AcquirePermit(ctx, 1); err != nil {
		return nil, 0, fmt.Errorf("okx: fetch history: %w", err)
	}

	q := url.Values{}
	q.Set("instId", toInstID(symbol))
	q.Set("bar", bar)
	q.Set("after", strconv.FormatInt(to+1, 10)) // OKX "after" is exclusive upper bound on ts
	q.Set("before", strconv.FormatInt(from-1, 10))
	q.Set("limit", strconv.Itoa(maxPageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restBaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("okx: build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("okx: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, 0, fmt.Errorf("okx: rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("okx: unexpected status %d", resp.StatusCode)
	}

	var envelope struct {
		Code string     `json:"code"`
		Data [][]string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, 0, fmt.Errorf("okx: decode candles: %w", err)
	}
	if envelope.Code != "0" {
		return nil, 0, fmt.Errorf("okx: api error code %s", envelope.Code)
	}

	events, err := parseCandles(symbol, interval, envelope.Data)
	if err != nil {
		return nil, 0, err
	}

	var next int64
	if len(events) == maxPageSize {
		next = events[len(events)-1].OpenTime + 1
	}
	return events, next, nil
}

// parseCandles converts OKX's [ts, o, h, l, c, vol, volCcy, volCcyQuote,
// confirm] rows (newest-first) into ascending-by-open_time stream events.
func parseCandles(symbol, interval string, rows [][]string) ([]upstream.StreamEvent, error) {
	out := make([]upstream.StreamEvent, 0, len(rows))
	intervalMs, ok := intervalMsOf(interval)
	if !ok {
		return nil, fmt.Errorf("okx: no interval_ms mapping for %q", interval)
	}
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("okx: malformed candle row (len=%d)", len(row))
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("okx: parse ts: %w", err)
		}
		open, _ := strconv.ParseFloat(row[1], 64)
		high, _ := strconv.ParseFloat(row[2], 64)
		low, _ := strconv.ParseFloat(row[3], 64)
		cls, _ := strconv.ParseFloat(row[4], 64)
		vol, _ := strconv.ParseFloat(row[5], 64)

		out = append(out, upstream.StreamEvent{
			Symbol: symbol, Interval: interval,
			OpenTime: ts, CloseTime: ts + intervalMs - 1,
			Open: open, High: high, Low: low, Close: cls, Volume: vol,
			IsFinal: true,
		})
	}
	// Reverse: OKX returns newest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func intervalMsOf(interval string) (int64, bool) {
	switch interval {
	case "1m":
		return 60_000, true
	case "3m":
		return 180_000, true
	case "5m":
		return 300_000, true
	case "15m":
		return 900_000, true
	case "30m":
		return 1_800_000, true
	case "1h":
		return 3_600_000, true
	case "4h":
		return 14_400_000, true
	case "1d":
		return 86_400_000, true
	default:
		return 0, false
	}
}

// SubscribeStream connects to OKX's public WS candle channel and reconnects
// with doubling backoff on disconnect, the same shape as the binance
// adapter's reconnect loop.
func (a *Adapter) SubscribeStream(ctx context.Context, symbol, interval string) (<-chan upstream.StreamEvent, error) {
	bar, ok := intervalToBar[interval]
	if !ok {
		return nil, fmt.Errorf("okx: unsupported interval %q", interval)
	}
	out := make(chan upstream.StreamEvent, 256)
	go a.reconnectLoop(ctx, symbol, interval, bar, out)
	return out, nil
}

func (a *Adapter) reconnectLoop(ctx context.Context, symbol, interval, bar string, out chan<- upstream.StreamEvent) {
	defer close(out)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("okx ws dial failed", "symbol", symbol, "attempt", attempt, "err", err)
			if !sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		sub := map[string]any{
			"op": "subscribe",
			"args": []map[string]string{
				{"channel": "candle" + bar, "instId": toInstID(symbol)},
			},
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			attempt++
			continue
		}

		attempt = 0
		a.readLoop(ctx, conn, symbol, interval, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if !sleepBackoff(ctx, attempt) {
			return
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, symbol, interval string, out chan<- upstream.StreamEvent) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := parseWsCandle(symbol, interval, data)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// parseWsCandle parses OKX's {"arg":{...},"data":[["ts","o","h","l","c","vol",...,"confirm"]]}
// push message. confirm="1" marks the bar finalized.
func parseWsCandle(symbol, interval string, data []byte) (upstream.StreamEvent, bool) {
	var msg struct {
		Data [][]string `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || len(msg.Data) == 0 {
		return upstream.StreamEvent{}, false
	}
	row := msg.Data[0]
	if len(row) < 9 {
		return upstream.StreamEvent{}, false
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return upstream.StreamEvent{}, false
	}
	intervalMs, ok := intervalMsOf(interval)
	if !ok {
		return upstream.StreamEvent{}, false
	}
	open, _ := strconv.ParseFloat(row[1], 64)
	high, _ := strconv.ParseFloat(row[2], 64)
	low, _ := strconv.ParseFloat(row[3], 64)
	cls, _ := strconv.ParseFloat(row[4], 64)
	vol, _ := strconv.ParseFloat(row[5], 64)

	return upstream.StreamEvent{
		Symbol: symbol, Interval: interval,
		OpenTime: ts, CloseTime: ts + intervalMs - 1,
		Open: open, High: high, Low: low, Close: cls, Volume: vol,
		IsFinal: row[8] == "1",
	}, true
}

func sleepBackoff(ctx context.Context, attempt int) bool {
	d := reconnectBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= reconnectCap {
			d = reconnectCap
			break
		}
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
