package adminbackfill

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"ohlcv-continuity/internal/backfill"
	"ohlcv-continuity/internal/circuitbreaker"
	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
	"ohlcv-continuity/internal/upstream"
)

const minute = int64(60_000)

// noopPublisher discards every push event; this package's tests assert on
// BackfillRun/gap-segment state, not on Push Hub traffic.
type noopPublisher struct{}

func (noopPublisher) PublishAppend(ctx context.Context, symbol, interval string, candle model.Candle) error {
	return nil
}
func (noopPublisher) PublishPartialUpdate(ctx context.Context, symbol, interval string, candle model.Candle) error {
	return nil
}
func (noopPublisher) PublishPartialClose(ctx context.Context, symbol, interval string, openTime int64, latency time.Duration) error {
	return nil
}
func (noopPublisher) PublishRepair(ctx context.Context, symbol, interval string, openTime int64, candle model.Candle) error {
	return nil
}
func (noopPublisher) PublishGapDetected(ctx context.Context, symbol, interval string, seg model.GapSegment) error {
	return nil
}
func (noopPublisher) PublishGapRepaired(ctx context.Context, symbol, interval string, gapID int64) error {
	return nil
}

type fakeAdapter struct{}

func (f *fakeAdapter) SubscribeStream(ctx context.Context, symbol, interval string) (<-chan upstream.StreamEvent, error) {
	ch := make(chan upstream.StreamEvent)
	close(ch)
	return ch, nil
}

// FetchHistory fabricates one finalized candle per requested open_time, so
// any range the Starter registers recovers completely.
func (f *fakeAdapter) FetchHistory(ctx context.Context, symbol, interval string, from, to int64) ([]upstream.StreamEvent, int64, error) {
	var out []upstream.StreamEvent
	for ot := from; ot <= to && len(out) < 500; ot += minute {
		out = append(out, upstream.StreamEvent{
			Symbol: symbol, Interval: interval, OpenTime: ot, CloseTime: ot + minute - 1,
			Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, IsFinal: true,
		})
	}
	return out, 0, nil
}

func newTestStarter(t *testing.T) (*Starter, *sqlite.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlite.Open(sqlite.Config{DBPath: dbPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gaps := gaprepo.New(st)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	breaker := circuitbreaker.New(5, 30*time.Second)
	worker := backfill.New(backfill.Config{PageSize: 500, MaxPages: 10, RetryMax: 3, RetryBackoffMs: 10}, &fakeAdapter{}, st, gaps, breaker, &noopPublisher{}, log, nil, nil)

	starter := New(st, gaps, map[string]*backfill.Worker{"1m": worker}, map[string]int64{"1m": minute}, log)
	return starter, st
}

func TestStartYearBackfillRecordsRunAndRegistersGap(t *testing.T) {
	starter, _ := newTestStarter(t)
	ctx := context.Background()

	run, err := starter.StartYearBackfill(ctx, "BTCUSDT", "1m", 1)
	if err != nil {
		t.Fatalf("start year backfill: %v", err)
	}
	if run.ID == 0 {
		t.Fatalf("expected a non-zero run ID")
	}
	if run.Status != model.BackfillPending {
		t.Fatalf("initial status = %q, want pending", run.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		latest, found, err := starter.LatestRun(ctx, "BTCUSDT", "1m")
		if err != nil {
			t.Fatalf("latest run: %v", err)
		}
		if found && latest.Status == model.BackfillSuccess {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("backfill run never reached success within the deadline")
}

func TestStartYearBackfillUnknownIntervalErrors(t *testing.T) {
	starter, _ := newTestStarter(t)
	if _, err := starter.StartYearBackfill(context.Background(), "BTCUSDT", "5m", 1); err == nil {
		t.Fatalf("expected an error for an interval with no configured worker")
	}
}
