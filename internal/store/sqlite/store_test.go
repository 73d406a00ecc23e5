package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"ohlcv-continuity/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Config{DBPath: dbPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertCandlesClassification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := model.Candle{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 1000, CloseTime: 59999, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}

	res, err := s.UpsertCandles(ctx, []model.Candle{c})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 || res.Unchanged != 0 {
		t.Fatalf("first upsert classification = %+v, want 1 inserted", res)
	}

	res, err = s.UpsertCandles(ctx, []model.Candle{c})
	if err != nil {
		t.Fatalf("re-upsert identical: %v", err)
	}
	if res.Unchanged != 1 {
		t.Fatalf("identical re-upsert classification = %+v, want 1 unchanged", res)
	}

	c.Close = 9.99
	res, err = s.UpsertCandles(ctx, []model.Candle{c})
	if err != nil {
		t.Fatalf("re-upsert divergent: %v", err)
	}
	if res.Updated != 1 || len(res.Repaired) != 1 {
		t.Fatalf("divergent re-upsert classification = %+v, want 1 updated+repaired", res)
	}
}

func TestGetRangeAndCountRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := make([]model.Candle, 0, 5)
	for i := int64(0); i < 5; i++ {
		ot := 1000 + i*60_000
		batch = append(batch, model.Candle{Symbol: "ETHUSDT", Interval: "1m", OpenTime: ot, CloseTime: ot + 59_999, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	if _, err := s.UpsertCandles(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetRange(ctx, "ETHUSDT", "1m", 1000, 1000+4*60_000, 0)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len(got) = %d, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].OpenTime <= got[i-1].OpenTime {
			t.Fatalf("results not ascending: %+v", got)
		}
	}

	n, err := s.CountRange(ctx, "ETHUSDT", "1m", 1000, 1000+4*60_000)
	if err != nil {
		t.Fatalf("count range: %v", err)
	}
	if n != 5 {
		t.Fatalf("count = %d, want 5", n)
	}

	last, ok, err := s.GetLastClosed(ctx, "ETHUSDT", "1m")
	if err != nil || !ok {
		t.Fatalf("get last closed: ok=%v err=%v", ok, err)
	}
	if last != 1000+4*60_000 {
		t.Fatalf("last closed = %d, want %d", last, 1000+4*60_000)
	}
}

func TestAdvisoryLockSingleHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "orchestrator", "node-a", 1e10)
	if err != nil || !ok {
		t.Fatalf("node-a acquire: ok=%v err=%v", ok, err)
	}

	ok, err = s.AcquireLock(ctx, "orchestrator", "node-b", 1e9)
	if err != nil {
		t.Fatalf("node-b acquire: %v", err)
	}
	if ok {
		t.Fatalf("node-b should not acquire a lock still held by node-a")
	}

	if err := s.ReleaseLock(ctx, "orchestrator", "node-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "orchestrator", "node-b", 1e9)
	if err != nil || !ok {
		t.Fatalf("node-b acquire after release: ok=%v err=%v", ok, err)
	}
}
