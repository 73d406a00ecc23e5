package deltaapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
)

const minute = int64(60_000)

type fakeBackfillStarter struct {
	started bool
	run     model.BackfillRun
	found   bool
}

func (f *fakeBackfillStarter) StartYearBackfill(ctx context.Context, symbol, interval string, horizonDays int) (model.BackfillRun, error) {
	f.started = true
	return model.BackfillRun{Symbol: symbol, Interval: interval, Status: model.BackfillRunning}, nil
}

func (f *fakeBackfillStarter) LatestRun(ctx context.Context, symbol, interval string) (model.BackfillRun, bool, error) {
	return f.run, f.found, nil
}

func newTestAPI(t *testing.T, starter backfillStarter) (*API, *sqlite.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlite.Open(sqlite.Config{DBPath: dbPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gaps := gaprepo.New(st)
	a := New(Config{LimitMax: 500, BackfillHorizonDays: 365}, st, gaps, starter, map[string]int64{"1m": minute}, Observers{})
	return a, st
}

func TestHandleRecentReturnsEmptyWhenNoCandles(t *testing.T) {
	a, _ := newTestAPI(t, &fakeBackfillStarter{})
	req := httptest.NewRequest(http.MethodGet, "/ohlcv/recent?symbol=BTCUSDT&interval=1m", nil)
	w := httptest.NewRecorder()

	a.instrumented("recent", a.handleRecent).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Candles []model.Candle `json:"candles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Candles) != 0 {
		t.Fatalf("expected no candles, got %d", len(body.Candles))
	}
}

func TestHandleRecentMissingParamsReturns400(t *testing.T) {
	a, _ := newTestAPI(t, &fakeBackfillStarter{})
	req := httptest.NewRequest(http.MethodGet, "/ohlcv/recent?symbol=BTCUSDT", nil)
	w := httptest.NewRecorder()

	a.instrumented("recent", a.handleRecent).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleDeltaReportsTruncation(t *testing.T) {
	a, st := newTestAPI(t, &fakeBackfillStarter{})
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		ot := i * minute
		if _, err := st.UpsertCandles(ctx, []model.Candle{{Symbol: "BTCUSDT", Interval: "1m", OpenTime: ot, CloseTime: ot + minute - 1}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	var observedTruncated bool
	var observedRoute string
	a.obs.RequestObserved = func(route string, d time.Duration, truncated bool) {
		observedRoute = route
		observedTruncated = truncated
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/ohlcv/delta?symbol=BTCUSDT&interval=1m&since=%d&limit=2", -minute), nil)
	w := httptest.NewRecorder()
	a.instrumented("delta", a.handleDelta).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Candles   []model.Candle `json:"candles"`
		Truncated bool           `json:"truncated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Candles) != 2 {
		t.Fatalf("candles = %d, want 2 (clamped by limit)", len(body.Candles))
	}
	if !body.Truncated {
		t.Fatalf("expected truncated=true in response")
	}
	if !observedTruncated || observedRoute != "delta" {
		t.Fatalf("observer saw route=%q truncated=%v, want route=delta truncated=true", observedRoute, observedTruncated)
	}
}

func TestHandleDeltaIncludesRepairsWithinOverlapWindow(t *testing.T) {
	a, st := newTestAPI(t, &fakeBackfillStarter{})
	ctx := context.Background()

	since := 10 * minute
	repairedOpenTime := since - minute // outside the 1-interval candle overlap, inside the 2-interval repair overlap
	candle := model.Candle{Symbol: "BTCUSDT", Interval: "1m", OpenTime: repairedOpenTime, CloseTime: repairedOpenTime + minute - 1, Open: 2}
	if err := st.RecordRepair(ctx, candle, time.Now().UnixMilli()); err != nil {
		t.Fatalf("record repair: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/ohlcv/delta?symbol=BTCUSDT&interval=1m&since=%d", since), nil)
	w := httptest.NewRecorder()
	a.instrumented("delta", a.handleDelta).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Repairs []model.RepairEvent `json:"repairs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Repairs) != 1 || body.Repairs[0].OpenTime != repairedOpenTime {
		t.Fatalf("repairs = %+v, want one entry at open_time=%d", body.Repairs, repairedOpenTime)
	}
}

func TestHandleBackfillYearStartsAndStatusReflectsLatestRun(t *testing.T) {
	starter := &fakeBackfillStarter{}
	a, _ := newTestAPI(t, starter)

	req := httptest.NewRequest(http.MethodPost, "/ohlcv/backfill/year?symbol=BTCUSDT&interval=1m", nil)
	w := httptest.NewRecorder()
	a.instrumented("backfill_year", a.handleBackfillYear).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !starter.started {
		t.Fatalf("expected StartYearBackfill to be invoked")
	}

	starter.found = true
	starter.run = model.BackfillRun{Symbol: "BTCUSDT", Interval: "1m", Status: model.BackfillSuccess}
	statusReq := httptest.NewRequest(http.MethodGet, "/ohlcv/backfill/year/status?symbol=BTCUSDT&interval=1m", nil)
	statusW := httptest.NewRecorder()
	a.instrumented("backfill_year_status", a.handleBackfillYearStatus).ServeHTTP(statusW, statusReq)
	if statusW.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", statusW.Code)
	}
	var run model.BackfillRun
	if err := json.Unmarshal(statusW.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Status != model.BackfillSuccess {
		t.Fatalf("status = %q, want success", run.Status)
	}
}

func TestHandleBackfillYearStatusNotFound(t *testing.T) {
	a, _ := newTestAPI(t, &fakeBackfillStarter{found: false})
	req := httptest.NewRequest(http.MethodGet, "/ohlcv/backfill/year/status?symbol=BTCUSDT&interval=1m", nil)
	w := httptest.NewRecorder()
	a.instrumented("backfill_year_status", a.handleBackfillYearStatus).ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
