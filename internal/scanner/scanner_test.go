package scanner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
)

const minute = int64(60_000)

func newTestScanner(t *testing.T, horizonDays int) (*Scanner, *sqlite.Store, *gaprepo.Repo) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlite.Open(sqlite.Config{DBPath: dbPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gaps := gaprepo.New(st)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{HorizonDays: horizonDays, PageSize: 100}, st, gaps, map[string]int64{"1m": minute}, log)
	return s, st, gaps
}

func TestScanOnceCoalescesMissingRunIntoOneSegment(t *testing.T) {
	s, st, gaps := newTestScanner(t, 1)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	horizonMs := int64(1) * 24 * 3600 * 1000
	from := now - horizonMs
	from -= from % minute
	to := now - minute
	to -= to % minute

	// Persist every bar in [from, to] except a 3-bar run in the middle.
	midStart := from + (to-from)/2
	midStart -= midStart % minute
	missingFrom := midStart
	missingTo := midStart + 2*minute

	var ratio float64
	var gapsSeen int
	s.WithCompletenessGauge(func(symbol, interval string, r float64) { ratio = r }).
		WithGapObserver(func(symbol, interval string) { gapsSeen++ })

	for ot := from; ot <= to; ot += minute {
		if ot >= missingFrom && ot <= missingTo {
			continue
		}
		if _, err := st.UpsertCandles(ctx, []model.Candle{{
			Symbol: "BTCUSDT", Interval: "1m", OpenTime: ot, CloseTime: ot + minute - 1,
		}}); err != nil {
			t.Fatalf("upsert candle at %d: %v", ot, err)
		}
	}

	if err := s.ScanOnce(ctx, "BTCUSDT", "1m"); err != nil {
		t.Fatalf("scan once: %v", err)
	}

	if gapsSeen != 1 {
		t.Fatalf("gap observer fired %d times, want 1 (one coalesced segment)", gapsSeen)
	}
	if ratio <= 0 || ratio >= 1 {
		t.Fatalf("completeness ratio = %v, want strictly between 0 and 1", ratio)
	}

	open, err := gaps.LoadOpen(ctx, "BTCUSDT", "1m", 10)
	if err != nil {
		t.Fatalf("load open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open segment, got %d: %+v", len(open), open)
	}
	if open[0].FromOpenTime != missingFrom || open[0].ToOpenTime != missingTo {
		t.Fatalf("segment = [%d,%d], want [%d,%d]", open[0].FromOpenTime, open[0].ToOpenTime, missingFrom, missingTo)
	}
}

func TestScanOnceFullyPresentReportsRatioOneAndNoGaps(t *testing.T) {
	s, st, gaps := newTestScanner(t, 1)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	horizonMs := int64(1) * 24 * 3600 * 1000
	from := now - horizonMs
	from -= from % minute
	to := now - minute
	to -= to % minute

	for ot := from; ot <= to; ot += minute {
		if _, err := st.UpsertCandles(ctx, []model.Candle{{
			Symbol: "ETHUSDT", Interval: "1m", OpenTime: ot, CloseTime: ot + minute - 1,
		}}); err != nil {
			t.Fatalf("upsert candle at %d: %v", ot, err)
		}
	}

	var ratio float64
	var gapsSeen int
	s.WithCompletenessGauge(func(symbol, interval string, r float64) { ratio = r }).
		WithGapObserver(func(symbol, interval string) { gapsSeen++ })

	if err := s.ScanOnce(ctx, "ETHUSDT", "1m"); err != nil {
		t.Fatalf("scan once: %v", err)
	}
	if gapsSeen != 0 {
		t.Fatalf("gap observer fired %d times, want 0 for a fully-present horizon", gapsSeen)
	}
	if ratio != 1 {
		t.Fatalf("completeness ratio = %v, want 1", ratio)
	}

	open, err := gaps.LoadOpen(ctx, "ETHUSDT", "1m", 10)
	if err != nil {
		t.Fatalf("load open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open segments, got %+v", open)
	}
}
