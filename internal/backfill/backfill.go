// Package backfill implements the Backfill Worker: recovers a single gap
// segment via paged REST history, verifying completeness via CountRange.
// BackfillRun audit rows are not written here (see internal/adminbackfill).
// Grounded on the teacher's retry/circuit
// breaker usage in store/redis/bufferedwriter.go, adapted from buffered-write
// recovery to gap recovery.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ohlcv-continuity/internal/bus"
	"ohlcv-continuity/internal/circuitbreaker"
	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
	"ohlcv-continuity/internal/upstream"
)

// Config holds the Worker's paging and retry settings. Recover reads only
// MaxPages, the cap on FetchHistory calls per Recover; the page size is
// whatever the adapter returns per call, and PageSize, RetryMax and
// RetryBackoffMs are not read by this package. A failed fetch or upsert is
// not retried within Recover: the segment's retry count is incremented and
// the error is returned.
type Config struct {
	PageSize       int
	MaxPages       int
	RetryMax       int
	RetryBackoffMs int
}

// Worker recovers gap segments one at a time. A pool of Workers is driven
// by the Gap Orchestrator's dispatch loop; a single Worker never fetches
// overlapping ranges concurrently because the orchestrator hands out
// disjoint segments.
type Worker struct {
	cfg       Config
	adapter   upstream.Adapter
	store     *sqlite.Store
	gaps      *gaprepo.Repo
	breaker   *circuitbreaker.CircuitBreaker
	publisher bus.Publisher
	log       *slog.Logger

	mttrObserve func(time.Duration)
	onRecovered func(symbol, interval string)
}

// New constructs a Worker. publisher broadcasts an append/repair event per
// recovered candle and a gap_repaired event on completion, the same Push Hub
// path the Stream Consumer uses ("SC and BW both publish into PH"); tests
// that don't assert on pushes can supply a fake that no-ops every method.
// mttrObserve receives the recovery duration on success, for the Metrics &
// Health histogram; onRecovered counts a completed repair per (symbol,
// interval). Pass nil for either in tests.
func New(cfg Config, adapter upstream.Adapter, store *sqlite.Store, gaps *gaprepo.Repo, breaker *circuitbreaker.CircuitBreaker, publisher bus.Publisher, log *slog.Logger, mttrObserve func(time.Duration), onRecovered func(symbol, interval string)) *Worker {
	if mttrObserve == nil {
		mttrObserve = func(time.Duration) {}
	}
	if onRecovered == nil {
		onRecovered = func(string, string) {}
	}
	return &Worker{cfg: cfg, adapter: adapter, store: store, gaps: gaps, breaker: breaker, publisher: publisher, log: log, mttrObserve: mttrObserve, onRecovered: onRecovered}
}

// Recover executes one gap segment recovery end to end: mark in_progress,
// page FetchHistory from seg.FromOpenTime to seg.ToOpenTime inclusive,
// upsert each page, verify via CountRange, and mark recovered or record a
// retry per spec.md §4.5.
func (w *Worker) Recover(ctx context.Context, seg model.GapSegment, intervalMs int64) error {
	if err := w.gaps.MarkInProgress(ctx, seg.ID); err != nil {
		return fmt.Errorf("backfill: mark in_progress: %w", err)
	}
	detectedAt := seg.DetectedAt

	cursor := seg.FromOpenTime
	pages := 0
	for cursor <= seg.ToOpenTime && pages < w.cfg.MaxPages {
		pages++
		var batch []upstream.StreamEvent
		var next int64
		err := w.breaker.Execute(func() error {
			var fetchErr error
			batch, next, fetchErr = w.adapter.FetchHistory(ctx, seg.Symbol, seg.Interval, cursor, seg.ToOpenTime)
			return fetchErr
		})
		if err != nil {
			w.log.Warn("backfill fetch failed", "symbol", seg.Symbol, "interval", seg.Interval, "gap_id", seg.ID, "err", err)
			if incErr := w.gaps.IncrementRetry(ctx, seg.ID, err); incErr != nil {
				w.log.Error("increment retry failed", "gap_id", seg.ID, "err", incErr)
			}
			return fmt.Errorf("backfill: fetch history: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		candles := make([]model.Candle, len(batch))
		for i, ev := range batch {
			candles[i] = model.Candle{
				Symbol: ev.Symbol, Interval: ev.Interval,
				OpenTime: ev.OpenTime, CloseTime: ev.CloseTime,
				Open: ev.Open, High: ev.High, Low: ev.Low, Close: ev.Close, Volume: ev.Volume,
				TradeCount: ev.TradeCount, IsClosed: true,
			}
		}

		// Upsert and publish one candle at a time so each can be classified
		// as a fresh append or a content-changing repair, mirroring the
		// Stream Consumer's persistAndClassify.
		for _, candle := range candles {
			res, err := w.store.UpsertCandles(ctx, []model.Candle{candle})
			if err != nil {
				if incErr := w.gaps.IncrementRetry(ctx, seg.ID, err); incErr != nil {
					w.log.Error("increment retry failed", "gap_id", seg.ID, "err", incErr)
				}
				return fmt.Errorf("backfill: upsert page: %w", err)
			}
			switch {
			case res.Inserted > 0:
				if pubErr := w.publisher.PublishAppend(ctx, seg.Symbol, seg.Interval, candle); pubErr != nil {
					w.log.Warn("publish append failed", "symbol", seg.Symbol, "interval", seg.Interval, "open_time", candle.OpenTime, "err", pubErr)
				}
			case res.Updated > 0:
				if err := w.store.RecordRepair(ctx, candle, time.Now().UnixMilli()); err != nil {
					w.log.Warn("record repair failed", "symbol", seg.Symbol, "interval", seg.Interval, "open_time", candle.OpenTime, "err", err)
				}
				if pubErr := w.publisher.PublishRepair(ctx, seg.Symbol, seg.Interval, candle.OpenTime, candle); pubErr != nil {
					w.log.Warn("publish repair failed", "symbol", seg.Symbol, "interval", seg.Interval, "open_time", candle.OpenTime, "err", pubErr)
				}
			}
		}

		last := batch[len(batch)-1].OpenTime
		cursor = last + intervalMs
		if next != 0 {
			cursor = next
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	expected := (seg.ToOpenTime-seg.FromOpenTime)/intervalMs + 1
	got, err := w.store.CountRange(ctx, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime)
	if err != nil {
		return fmt.Errorf("backfill: verify count: %w", err)
	}
	if got != expected {
		if err := w.gaps.IncrementRetry(ctx, seg.ID, fmt.Errorf("incomplete recovery: got %d of %d bars", got, expected)); err != nil {
			w.log.Error("increment retry failed", "gap_id", seg.ID, "err", err)
		}
		return fmt.Errorf("backfill: incomplete recovery for gap %d: got %d of %d bars", seg.ID, got, expected)
	}

	if err := w.gaps.MarkRecovered(ctx, seg.ID); err != nil {
		return fmt.Errorf("backfill: mark recovered: %w", err)
	}
	if err := w.publisher.PublishGapRepaired(ctx, seg.Symbol, seg.Interval, seg.ID); err != nil {
		w.log.Warn("publish gap_repaired failed", "gap_id", seg.ID, "err", err)
	}
	w.mttrObserve(time.Since(detectedAt))
	w.onRecovered(seg.Symbol, seg.Interval)
	return nil
}
