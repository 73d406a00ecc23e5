package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ohlcv-continuity/internal/upstream"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	maxDecodeErrs = 5
)

// wsKlineMsg mirrors Binance's combined kline stream envelope:
// {"e":"kline","s":"BTCUSDT","k":{"t":..,"T":..,"i":"1m","o":"..","h":"..","l":"..","c":"..","v":"..","n":123,"x":false}}
type wsKlineMsg struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime   int64  `json:"t"`
		CloseTime  int64  `json:"T"`
		Interval   string `json:"i"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
		TradeCount int64  `json:"n"`
		IsFinal    bool   `json:"x"`
	} `json:"k"`
}

// SubscribeStream connects to Binance's WS kline stream for (symbol,
// interval) and reconnects with doubling backoff (1s, capped at 30s) on
// disconnect, exactly the shape of yitech-candles/adapter/binance/ws.go's
// subscribeKline/connectAndRead. Closes the returned channel when ctx is
// cancelled or after maxDecodeErrs consecutive parse failures (adapter
// fatal, per spec.md §7).
func (a *Adapter) SubscribeStream(ctx context.Context, symbol, interval string) (<-chan upstream.StreamEvent, error) {
	biInterval, ok := intervalToBinance[interval]
	if !ok {
		return nil, fmt.Errorf("binance: unsupported interval %q", interval)
	}

	out := make(chan upstream.StreamEvent, 256)
	go a.reconnectLoop(ctx, symbol, biInterval, out)
	return out, nil
}

func (a *Adapter) reconnectLoop(ctx context.Context, symbol, biInterval string, out chan<- upstream.StreamEvent) {
	defer close(out)

	attempt := 0
	consecutiveDecodeErrs := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streamName := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), biInterval)
		url := wsBaseURL + "/" + streamName

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("binance ws dial failed", "symbol", symbol, "interval", biInterval, "attempt", attempt, "err", err)
			if !sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		decodeErrs := a.readLoop(ctx, conn, symbol, biInterval, out)
		conn.Close()
		consecutiveDecodeErrs += decodeErrs
		if decodeErrs == 0 {
			consecutiveDecodeErrs = 0
		}
		if consecutiveDecodeErrs >= maxDecodeErrs {
			a.log.Error("binance adapter fatal: too many consecutive decode failures", "symbol", symbol, "interval", biInterval)
			return
		}

		if ctx.Err() != nil {
			return
		}
		if !sleepBackoff(ctx, attempt) {
			return
		}
	}
}

// readLoop reads messages until the connection drops or ctx is cancelled,
// returning the count of consecutive decode failures seen at exit.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, symbol, biInterval string, out chan<- upstream.StreamEvent) int {
	decodeErrs := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return decodeErrs
		}

		ev, err := parseWsKline(data)
		if err != nil {
			decodeErrs++
			a.log.Warn("binance ws decode error", "err", err)
			continue
		}
		decodeErrs = 0

		select {
		case out <- ev:
		case <-ctx.Done():
			return decodeErrs
		}
	}
}

func parseWsKline(data []byte) (upstream.StreamEvent, error) {
	var msg wsKlineMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return upstream.StreamEvent{}, fmt.Errorf("unmarshal ws kline: %w", err)
	}
	open, _ := strconv.ParseFloat(msg.Kline.Open, 64)
	high, _ := strconv.ParseFloat(msg.Kline.High, 64)
	low, _ := strconv.ParseFloat(msg.Kline.Low, 64)
	cls, _ := strconv.ParseFloat(msg.Kline.Close, 64)
	vol, _ := strconv.ParseFloat(msg.Kline.Volume, 64)

	return upstream.StreamEvent{
		Symbol: msg.Symbol, Interval: msg.Kline.Interval,
		OpenTime: msg.Kline.OpenTime, CloseTime: msg.Kline.CloseTime,
		Open: open, High: high, Low: low, Close: cls, Volume: vol,
		TradeCount: msg.Kline.TradeCount, IsFinal: msg.Kline.IsFinal,
	}, nil
}

// sleepBackoff waits doubling(base..cap) before the next reconnect attempt,
// returning false if ctx was cancelled while waiting.
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
