package orchestrator

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
// dispatch/lock/gap-queue behavior, not on Push Hub traffic.
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

type fakeLockHolder struct {
	held bool
}

func (f *fakeLockHolder) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return f.held, nil
}
func (f *fakeLockHolder) ReleaseLock(ctx context.Context, key, holder string) error { return nil }

type fakeAdapter struct{ candles []upstream.StreamEvent }

func (f *fakeAdapter) SubscribeStream(ctx context.Context, symbol, interval string) (<-chan upstream.StreamEvent, error) {
	ch := make(chan upstream.StreamEvent)
	close(ch)
	return ch, nil
}
func (f *fakeAdapter) FetchHistory(ctx context.Context, symbol, interval string, from, to int64) ([]upstream.StreamEvent, int64, error) {
	var page []upstream.StreamEvent
	for _, c := range f.candles {
		if c.OpenTime >= from && c.OpenTime <= to {
			page = append(page, c)
		}
	}
	return page, 0, nil
}

func newTestOrchestrator(t *testing.T, heldLock bool, gapCount int) (*Orchestrator, *gaprepo.Repo) {
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

	adapter := &fakeAdapter{}
	for i := 0; i < 20; i++ {
		adapter.candles = append(adapter.candles, upstream.StreamEvent{
			Symbol: "BTCUSDT", Interval: "1m", OpenTime: int64(i) * minute, CloseTime: int64(i)*minute + minute - 1,
			Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, IsFinal: true,
		})
	}
	worker := backfill.New(backfill.Config{PageSize: 100, MaxPages: 10, RetryMax: 3, RetryBackoffMs: 10}, adapter, st, gaps, breaker, &noopPublisher{}, log, nil, nil)
	workers := map[SegKey]*backfill.Worker{{Symbol: "BTCUSDT", Interval: "1m"}: worker}

	o := New(Config{PollInterval: time.Hour, Concurrency: 2, LockKey: "lock", LockTTL: 30 * time.Second}, "holder-1", &fakeLockHolder{held: heldLock}, gaps, workers, map[string]int64{"1m": minute}, log)

	ctx := context.Background()
	for i := 0; i < gapCount; i++ {
		from := int64(i) * 5 * minute
		to := from + minute
		if _, err := gaps.MergeOrInsert(ctx, model.GapSegment{
			Symbol: "BTCUSDT", Interval: "1m", FromOpenTime: from, ToOpenTime: to, DetectedAt: time.Now(),
		}, minute); err != nil {
			t.Fatalf("seed gap %d: %v", i, err)
		}
	}
	return o, gaps
}

func TestTickDispatchesUpToConcurrencyCap(t *testing.T) {
	o, gaps := newTestOrchestrator(t, true, 3)
	ctx := context.Background()

	var queueDepth, openCount int
	o.WithGauges(func(n int) { queueDepth = n }, func(n int) { openCount = n })

	dispatched, err := o.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !dispatched {
		t.Fatalf("expected tick to dispatch work")
	}
	if queueDepth != 3 {
		t.Fatalf("queue depth observed = %d, want 3", queueDepth)
	}
	if openCount != 3 {
		t.Fatalf("open gauge observed = %d, want 3", openCount)
	}

	// Only one (symbol, interval) key exists, so only one in-flight slot is
	// ever used even though concurrency allows 2 and 3 segments are queued.
	o.mu.Lock()
	inFlight := len(o.inFlight)
	o.mu.Unlock()
	if inFlight != 1 {
		t.Fatalf("in-flight count = %d, want 1 (single key, one worker at a time)", inFlight)
	}

	// Allow the dispatched goroutine to finish recovering before the test
	// process (and its temp DB) tears down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		n := len(o.inFlight)
		o.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	open, err := gaps.LoadOpen(ctx, "BTCUSDT", "1m", 10)
	if err != nil {
		t.Fatalf("load open: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 segments still open after one was dispatched+recovered, got %d", len(open))
	}
}

func TestTickSkipsWhenNoSegmentsOpen(t *testing.T) {
	o, _ := newTestOrchestrator(t, true, 0)
	dispatched, err := o.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if dispatched {
		t.Fatalf("expected no dispatch with zero open segments")
	}
}
