// Package streamconsumer implements the Stream Consumer: one state machine
// per (symbol, interval) that owns the live continuity pointer, classifies
// incoming stream events, persists finalized candles, raises gaps, and
// publishes push events. Grounded on the teacher's aggregator/timeframe
// builder shape (per-key goroutine consuming a channel, mutable cursor
// state, no shared locks across keys).
package streamconsumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ohlcv-continuity/internal/bus"
	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
	"ohlcv-continuity/internal/upstream"
)

// State is the per-(symbol,interval) lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateResyncing  State = "resyncing"
	StateFaulted    State = "faulted"
)

// Observers is the narrow surface Metrics & Health needs to observe stream
// activity; wired by the composition root. Every field is optional.
type Observers struct {
	OnMessage      func(symbol, interval string)
	OnFinalized    func(symbol, interval string)
	OnLateFill     func(symbol, interval string)
	OnReconnect    func(symbol, interval string)
	OnPartialClose func(latency time.Duration)
	OnMessageTime  func(symbol, interval string, t time.Time)
	OnGapDetected  func(symbol, interval string)
}

func (o *Observers) fillDefaults() {
	if o.OnMessage == nil {
		o.OnMessage = func(string, string) {}
	}
	if o.OnFinalized == nil {
		o.OnFinalized = func(string, string) {}
	}
	if o.OnLateFill == nil {
		o.OnLateFill = func(string, string) {}
	}
	if o.OnReconnect == nil {
		o.OnReconnect = func(string, string) {}
	}
	if o.OnPartialClose == nil {
		o.OnPartialClose = func(time.Duration) {}
	}
	if o.OnMessageTime == nil {
		o.OnMessageTime = func(string, string, time.Time) {}
	}
	if o.OnGapDetected == nil {
		o.OnGapDetected = func(string, string) {}
	}
}

// Consumer runs the state machine for a single (symbol, interval) pair.
type Consumer struct {
	symbol     string
	interval   string
	intervalMs int64
	adapter    upstream.Adapter
	store      *sqlite.Store
	gaps       *gaprepo.Repo
	publisher  bus.Publisher
	log        *slog.Logger
	obs        Observers

	mu         sync.Mutex
	state      State
	lastClosed int64
	hasLast    bool
	partial    *partialBuffer
}

type partialBuffer struct {
	openTime  int64
	firstSeen time.Time
}

// New constructs a Consumer for (symbol, interval). intervalMs must match
// model.IntervalMs[interval].
func New(symbol, interval string, intervalMs int64, adapter upstream.Adapter, store *sqlite.Store, gaps *gaprepo.Repo, publisher bus.Publisher, log *slog.Logger, obs Observers) *Consumer {
	obs.fillDefaults()
	return &Consumer{
		symbol: symbol, interval: interval, intervalMs: intervalMs,
		adapter: adapter, store: store, gaps: gaps, publisher: publisher,
		log: log.With("symbol", symbol, "interval", interval), state: StateIdle, obs: obs,
	}
}

// CurrentState returns the consumer's lifecycle state.
func (c *Consumer) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the consumer until ctx is cancelled or the adapter quarantines
// this (symbol, interval) (FAULTED is terminal within a single Run call;
// whether to start a new Run is the caller's choice, and cmd/ohlcvd does so
// after a 5s delay).
func (c *Consumer) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.resync(ctx); err != nil {
		c.log.Warn("resync before stream failed, continuing from store state", "err", err)
	}

	events, err := c.adapter.SubscribeStream(ctx, c.symbol, c.interval)
	if err != nil {
		c.setState(StateFaulted)
		c.obs.OnReconnect(c.symbol, c.interval)
		return fmt.Errorf("streamconsumer: subscribe: %w", err)
	}
	c.setState(StateStreaming)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.setState(StateFaulted)
				return fmt.Errorf("streamconsumer: adapter stream closed (fatal) for %s/%s", c.symbol, c.interval)
			}
			if err := c.handleEvent(ctx, ev); err != nil {
				c.log.Error("handle event failed", "open_time", ev.OpenTime, "err", err)
			}
		}
	}
}

// resync loads the last finalized open_time from the store so a restart or
// reconnect does not treat already-persisted candles as gaps.
func (c *Consumer) resync(ctx context.Context) error {
	c.setState(StateResyncing)
	ot, ok, err := c.store.GetLastClosed(ctx, c.symbol, c.interval)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastClosed = ot
	c.hasLast = ok
	c.mu.Unlock()
	return nil
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Consumer) handleEvent(ctx context.Context, ev upstream.StreamEvent) error {
	c.obs.OnMessage(c.symbol, c.interval)
	c.obs.OnMessageTime(c.symbol, c.interval, time.Now())
	if !ev.IsFinal {
		return c.handlePartial(ctx, ev)
	}
	return c.handleFinal(ctx, ev)
}

// handlePartial buffers the latest partial and publishes partial_update,
// per the single-most-recent-partial policy.
func (c *Consumer) handlePartial(ctx context.Context, ev upstream.StreamEvent) error {
	c.mu.Lock()
	isNewOpenTime := c.partial == nil || c.partial.openTime != ev.OpenTime
	if isNewOpenTime {
		c.partial = &partialBuffer{openTime: ev.OpenTime, firstSeen: time.Now()}
	}
	c.mu.Unlock()

	return c.publisher.PublishPartialUpdate(ctx, c.symbol, c.interval, candleOf(ev, false))
}

// handleFinal implements the finalized-event classification policy: fresh
// append, contiguous append, gapped append, or late fill.
func (c *Consumer) handleFinal(ctx context.Context, ev upstream.StreamEvent) error {
	c.mu.Lock()
	hasLast := c.hasLast
	lastClosed := c.lastClosed
	var partialLatency time.Duration
	var hadPartial bool
	if c.partial != nil && c.partial.openTime == ev.OpenTime {
		partialLatency = time.Since(c.partial.firstSeen)
		hadPartial = true
		c.partial = nil
	}
	c.mu.Unlock()

	candle := candleOf(ev, true)

	switch {
	case !hasLast:
		return c.appendCandle(ctx, candle, ev.OpenTime, hadPartial, partialLatency)

	case ev.OpenTime == lastClosed+c.intervalMs:
		return c.appendCandle(ctx, candle, ev.OpenTime, hadPartial, partialLatency)

	case ev.OpenTime > lastClosed+c.intervalMs:
		if _, err := c.persistAndClassify(ctx, candle); err != nil {
			return err
		}
		c.obs.OnFinalized(c.symbol, c.interval)
		c.obs.OnGapDetected(c.symbol, c.interval)
		gapFrom := lastClosed + c.intervalMs
		gapTo := ev.OpenTime - c.intervalMs
		seg := model.GapSegment{
			Symbol: c.symbol, Interval: c.interval,
			FromOpenTime: gapFrom, ToOpenTime: gapTo,
			State: model.GapOpen, DetectedAt: time.Now(),
		}
		merged, err := c.gaps.MergeOrInsert(ctx, seg, c.intervalMs)
		if err != nil {
			return fmt.Errorf("streamconsumer: gap merge: %w", err)
		}
		if err := c.publisher.PublishGapDetected(ctx, c.symbol, c.interval, merged); err != nil {
			c.log.Warn("publish gap_detected failed", "err", err)
		}
		c.setLastClosed(ev.OpenTime)
		c.obs.OnFinalized(c.symbol, c.interval)
		if hadPartial {
			c.obs.OnPartialClose(partialLatency)
			if err := c.publisher.PublishPartialClose(ctx, c.symbol, c.interval, ev.OpenTime, partialLatency); err != nil {
				c.log.Warn("publish partial_close failed", "err", err)
			}
		}
		return c.publisher.PublishAppend(ctx, c.symbol, c.interval, candle)

	case ev.OpenTime <= lastClosed:
		return c.handleLateFill(ctx, candle, ev.OpenTime)

	default:
		return nil
	}
}

func (c *Consumer) appendCandle(ctx context.Context, candle model.Candle, openTime int64, hadPartial bool, latency time.Duration) error {
	res, err := c.store.UpsertCandles(ctx, []model.Candle{candle})
	if err != nil {
		return fmt.Errorf("streamconsumer: upsert: %w", err)
	}
	c.setLastClosed(openTime)
	c.obs.OnFinalized(c.symbol, c.interval)

	if hadPartial {
		c.obs.OnPartialClose(latency)
		if err := c.publisher.PublishPartialClose(ctx, c.symbol, c.interval, openTime, latency); err != nil {
			c.log.Warn("publish partial_close failed", "err", err)
		}
	}
	if res.Inserted == 0 && res.Updated == 0 {
		return nil // identical duplicate, absorbed silently
	}
	if res.Updated > 0 {
		if err := c.store.RecordRepair(ctx, candle, time.Now().UnixMilli()); err != nil {
			c.log.Warn("record repair failed", "symbol", c.symbol, "interval", c.interval, "open_time", candle.OpenTime, "err", err)
		}
	}
	return c.publisher.PublishAppend(ctx, c.symbol, c.interval, candle)
}

// handleLateFill upserts a finalized event whose open_time is at or before
// the current continuity pointer: a correction if content differs, absorbed
// silently otherwise, with any overlapping gap segment notified.
func (c *Consumer) handleLateFill(ctx context.Context, candle model.Candle, openTime int64) error {
	c.obs.OnLateFill(c.symbol, c.interval)
	changed, err := c.persistAndClassify(ctx, candle)
	if err != nil {
		return err
	}

	segs, err := c.gaps.LoadOpen(ctx, c.symbol, c.interval, 64)
	if err != nil {
		c.log.Warn("load open gaps for absorb failed", "err", err)
	} else {
		for _, seg := range segs {
			if seg.Overlaps(openTime, openTime) {
				if err := c.gaps.AbsorbOpenTime(ctx, seg.ID, openTime, c.intervalMs); err != nil {
					c.log.Warn("absorb open_time failed", "gap_id", seg.ID, "open_time", openTime, "err", err)
					continue
				}
				if err := c.publisher.PublishGapRepaired(ctx, c.symbol, c.interval, seg.ID); err != nil {
					c.log.Warn("publish gap_repaired failed", "err", err)
				}
			}
		}
	}

	if changed {
		return c.publisher.PublishRepair(ctx, c.symbol, c.interval, openTime, candle)
	}
	return nil
}

// persistAndClassify upserts a single candle and reports whether it was a
// content-changing correction (insert or update) vs. an identical duplicate.
// A content-changing update additionally appends to the repair ledger the
// Delta API reads from, since a late fill into an already-finalized
// open_time is exactly the correction scenario the ledger exists for.
func (c *Consumer) persistAndClassify(ctx context.Context, candle model.Candle) (bool, error) {
	res, err := c.store.UpsertCandles(ctx, []model.Candle{candle})
	if err != nil {
		return false, fmt.Errorf("streamconsumer: upsert: %w", err)
	}
	if res.Updated > 0 {
		if err := c.store.RecordRepair(ctx, candle, time.Now().UnixMilli()); err != nil {
			c.log.Warn("record repair failed", "symbol", c.symbol, "interval", c.interval, "open_time", candle.OpenTime, "err", err)
		}
	}
	return res.Inserted > 0 || res.Updated > 0, nil
}

func (c *Consumer) setLastClosed(ot int64) {
	c.mu.Lock()
	c.lastClosed = ot
	c.hasLast = true
	c.mu.Unlock()
}

func candleOf(ev upstream.StreamEvent, closed bool) model.Candle {
	return model.Candle{
		Symbol: ev.Symbol, Interval: ev.Interval,
		OpenTime: ev.OpenTime, CloseTime: ev.CloseTime,
		Open: ev.Open, High: ev.High, Low: ev.Low, Close: ev.Close, Volume: ev.Volume,
		TradeCount: ev.TradeCount, IsClosed: closed,
	}
}
