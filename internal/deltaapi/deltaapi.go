// Package deltaapi implements the Delta API: the HTTP read surface over the
// canonical store (recent/meta/history/delta/gaps/backfill endpoints from
// spec.md §6), grounded on the teacher's cmd/api_gateway REST handler style
// (query-param parsing with explicit defaults/clamps, setCORS, uniform JSON
// encoding) adapted from Redis-stream reads to Canonical Store reads.
package deltaapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
)

// Config bounds page sizes served by this API.
type Config struct {
	LimitMax        int
	BackfillHorizonDays int
}

// backfillStarter is the narrow surface the admin endpoints need to kick
// off a year-scale recovery; satisfied by adminbackfill.Starter.
type backfillStarter interface {
	StartYearBackfill(ctx context.Context, symbol, interval string, horizonDays int) (model.BackfillRun, error)
	LatestRun(ctx context.Context, symbol, interval string) (model.BackfillRun, bool, error)
}

// Observers is the narrow surface Metrics & Health needs to observe Delta
// API traffic; wired by the composition root.
type Observers struct {
	RequestObserved func(route string, d time.Duration, truncated bool)
}

// API holds the dependencies behind the REST surface.
type API struct {
	cfg        Config
	store      *sqlite.Store
	gaps       *gaprepo.Repo
	backfill   backfillStarter
	intervalMs map[string]int64
	obs        Observers
}

// New constructs the Delta API.
func New(cfg Config, store *sqlite.Store, gaps *gaprepo.Repo, backfill backfillStarter, intervalMs map[string]int64, obs Observers) *API {
	if obs.RequestObserved == nil {
		obs.RequestObserved = func(string, time.Duration, bool) {}
	}
	return &API{cfg: cfg, store: store, gaps: gaps, backfill: backfill, intervalMs: intervalMs, obs: obs}
}

// instrumented wraps a handler with a request-latency/truncation observer.
// truncated is always false for routes that don't carry the concept.
func (a *API) instrumented(route string, h func(http.ResponseWriter, *http.Request) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		truncated := h(w, r)
		a.obs.RequestObserved(route, time.Since(start), truncated)
	}
}

// Register mounts every REST handler from spec.md §6 onto mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ohlcv/recent", a.instrumented("recent", a.handleRecent))
	mux.HandleFunc("/ohlcv/meta", a.instrumented("meta", a.handleMeta))
	mux.HandleFunc("/ohlcv/history", a.instrumented("history", a.handleHistory))
	mux.HandleFunc("/ohlcv/delta", a.instrumented("delta", a.handleDelta))
	mux.HandleFunc("/ohlcv/gaps/status", a.instrumented("gaps_status", a.handleGapsStatus))
	mux.HandleFunc("/ohlcv/backfill/year", a.instrumented("backfill_year", a.handleBackfillYear))
	mux.HandleFunc("/ohlcv/backfill/year/status", a.instrumented("backfill_year_status", a.handleBackfillYearStatus))
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code, RequestID: fmt.Sprintf("req-%d", time.Now().UnixNano())})
}

func writeJSON(w http.ResponseWriter, v any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (a *API) requireSymbolInterval(w http.ResponseWriter, r *http.Request) (symbol, interval string, intervalMs int64, ok bool) {
	symbol = r.URL.Query().Get("symbol")
	interval = r.URL.Query().Get("interval")
	if symbol == "" || interval == "" {
		writeError(w, http.StatusBadRequest, "missing_param", "symbol and interval are required")
		return "", "", 0, false
	}
	ms, known := a.intervalMs[interval]
	if !known {
		writeError(w, http.StatusBadRequest, "unknown_interval", fmt.Sprintf("unsupported interval %q", interval))
		return "", "", 0, false
	}
	return symbol, interval, ms, true
}

func clampLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// GET /ohlcv/recent?symbol&interval&limit&include_open
func (a *API) handleRecent(w http.ResponseWriter, r *http.Request) bool {
	symbol, interval, intervalMs, ok := a.requireSymbolInterval(w, r)
	if !ok {
		return false
	}
	limit := clampLimit(r.URL.Query().Get("limit"), 100, a.cfg.LimitMax)
	includeOpen, _ := strconv.ParseBool(r.URL.Query().Get("include_open"))

	ctx := r.Context()
	last, hasLast, err := a.store.GetLastClosed(ctx, symbol, interval)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	if !hasLast {
		writeJSON(w, struct {
			Candles []model.Candle `json:"candles"`
		}{Candles: []model.Candle{}})
		return false
	}

	from := last - int64(limit-1)*intervalMs
	candles, err := a.store.GetRange(ctx, symbol, interval, from, last, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	_ = includeOpen // partial inclusion is a Push Hub (WS/SSE) concern; REST always returns finalized-only per §6.

	writeJSON(w, struct {
		Candles []model.Candle `json:"candles"`
	}{Candles: candles})
	return false
}

// GET /ohlcv/meta?symbol&interval&sample_for_gap
func (a *API) handleMeta(w http.ResponseWriter, r *http.Request) bool {
	symbol, interval, intervalMs, ok := a.requireSymbolInterval(w, r)
	if !ok {
		return false
	}
	ctx := r.Context()

	last, hasLast, err := a.store.GetLastClosed(ctx, symbol, interval)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	resp := struct {
		EarliestOpenTime  *int64   `json:"earliest_open_time,omitempty"`
		LatestOpenTime    *int64   `json:"latest_open_time,omitempty"`
		Count             int64    `json:"count"`
		CompletenessRatio *float64 `json:"completeness_ratio,omitempty"`
		LargestGapBars    *int64   `json:"largest_gap_bars,omitempty"`
	}{}
	if !hasLast {
		writeJSON(w, resp)
		return false
	}

	earliest, _, err := a.earliestOpenTime(ctx, symbol, interval)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	count, err := a.store.CountRange(ctx, symbol, interval, earliest, last)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	expected := (last-earliest)/intervalMs + 1
	ratio := float64(count) / float64(expected)

	resp.EarliestOpenTime = &earliest
	resp.LatestOpenTime = &last
	resp.Count = count
	resp.CompletenessRatio = &ratio

	if r.URL.Query().Get("sample_for_gap") != "" {
		segs, err := a.gaps.LoadOpen(ctx, symbol, interval, 1)
		if err == nil && len(segs) > 0 {
			resp.LargestGapBars = &segs[0].MissingBars
		}
	}
	writeJSON(w, resp)
	return false
}

func (a *API) earliestOpenTime(ctx context.Context, symbol, interval string) (int64, bool, error) {
	rows, err := a.store.GetRange(ctx, symbol, interval, 0, (1 << 62), 1)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].OpenTime, true, nil
}

// GET /ohlcv/history?symbol&interval&limit&before_open_time?&after_open_time?
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) bool {
	symbol, interval, intervalMs, ok := a.requireSymbolInterval(w, r)
	if !ok {
		return false
	}
	beforeStr := r.URL.Query().Get("before_open_time")
	afterStr := r.URL.Query().Get("after_open_time")
	if beforeStr != "" && afterStr != "" {
		writeError(w, http.StatusBadRequest, "conflicting_cursor", "before_open_time and after_open_time are mutually exclusive")
		return false
	}
	limit := clampLimit(r.URL.Query().Get("limit"), 100, a.cfg.LimitMax)

	ctx := r.Context()
	var from, to int64 = 0, (1 << 62)
	if beforeStr != "" {
		before, err := strconv.ParseInt(beforeStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "before_open_time must be an integer")
			return false
		}
		to = before - intervalMs
	}
	if afterStr != "" {
		after, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "after_open_time must be an integer")
			return false
		}
		from = after + intervalMs
	}

	candles, err := a.store.GetRange(ctx, symbol, interval, from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	writeJSON(w, struct {
		Candles []model.Candle `json:"candles"`
	}{Candles: candles})
	return false
}

// GET /ohlcv/delta?symbol&interval&since&limit — defined in spec.md §4.8:
// a 1-interval overlap on `since` avoids off-by-one loss on the candle list,
// and a 2-interval overlap on the repair ledger additionally surfaces a
// repair to an open_time that fell just outside a client's last poll
// window before this poll's candle window starts.
func (a *API) handleDelta(w http.ResponseWriter, r *http.Request) bool {
	symbol, interval, intervalMs, ok := a.requireSymbolInterval(w, r)
	if !ok {
		return false
	}
	sinceStr := r.URL.Query().Get("since")
	since, err := strconv.ParseInt(sinceStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", "since must be an integer open_time")
		return false
	}
	limit := clampLimit(r.URL.Query().Get("limit"), 100, a.cfg.LimitMax)

	ctx := r.Context()
	from := since - intervalMs + 1
	candles, err := a.store.GetRange(ctx, symbol, interval, from, (1 << 62), limit+1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	truncated := false
	if len(candles) > limit {
		candles = candles[:limit]
		truncated = true
	}

	repairsFrom := since - 2*intervalMs + 1
	repairs, err := a.store.GetRepairsFromOpenTime(ctx, symbol, interval, repairsFrom, a.cfg.LimitMax)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}

	writeJSON(w, struct {
		Candles   []model.Candle      `json:"candles"`
		Repairs   []model.RepairEvent `json:"repairs"`
		Truncated bool                `json:"truncated"`
	}{Candles: candles, Repairs: repairs, Truncated: truncated})
	return truncated
}

// GET /ohlcv/gaps/status?symbol&interval
func (a *API) handleGapsStatus(w http.ResponseWriter, r *http.Request) bool {
	symbol, interval, _, ok := a.requireSymbolInterval(w, r)
	if !ok {
		return false
	}
	segs, err := a.gaps.LoadOpen(r.Context(), symbol, interval, a.cfg.LimitMax)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	writeJSON(w, struct {
		Segments []model.GapSegment `json:"segments"`
	}{Segments: segs})
	return false
}

// POST /ohlcv/backfill/year?symbol&interval (admin)
func (a *API) handleBackfillYear(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method_not_allowed", "POST required")
		return false
	}
	symbol, interval, _, ok := a.requireSymbolInterval(w, r)
	if !ok {
		return false
	}
	run, err := a.backfill.StartYearBackfill(r.Context(), symbol, interval, a.cfg.BackfillHorizonDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backfill_start_failed", err.Error())
		return false
	}
	writeJSON(w, run)
	return false
}

// GET /ohlcv/backfill/year/status?symbol&interval
func (a *API) handleBackfillYearStatus(w http.ResponseWriter, r *http.Request) bool {
	symbol, interval, _, ok := a.requireSymbolInterval(w, r)
	if !ok {
		return false
	}
	run, found, err := a.backfill.LatestRun(r.Context(), symbol, interval)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return false
	}
	if !found {
		writeError(w, http.StatusNotFound, "no_run", "no backfill run recorded for this symbol/interval")
		return false
	}
	writeJSON(w, run)
	return false
}
