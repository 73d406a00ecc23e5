// Package adminbackfill implements the admin-triggered year-scale backfill
// the Delta API's POST /ohlcv/backfill/year endpoint kicks off (spec.md §6):
// it records a BackfillRun audit row, then hands a synthetic full-horizon
// gap to the same Backfill Worker the Gap Orchestrator dispatches, running
// the recovery in its own goroutine so the HTTP handler returns immediately.
// Grounded on the orchestrator's dispatch-then-track shape, reused here for
// a single admin-initiated run instead of the poll loop's queue.
package adminbackfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ohlcv-continuity/internal/backfill"
	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
)

// Starter implements the deltaapi.backfillStarter interface.
type Starter struct {
	store      *sqlite.Store
	gaps       *gaprepo.Repo
	workers    map[string]*backfill.Worker // keyed by interval; one worker shared across symbols per interval
	intervalMs map[string]int64
	log        *slog.Logger
}

// New constructs a Starter. workers must have an entry for every interval
// the Delta API's admin route is allowed to target.
func New(store *sqlite.Store, gaps *gaprepo.Repo, workers map[string]*backfill.Worker, intervalMs map[string]int64, log *slog.Logger) *Starter {
	return &Starter{store: store, gaps: gaps, workers: workers, intervalMs: intervalMs, log: log}
}

// StartYearBackfill records a BackfillRun audit row covering the last
// horizonDays and dispatches the recovery asynchronously. It registers the
// full range as a single gap segment via GR.MergeOrInsert so the same
// in-progress/recovered bookkeeping and priority-queue visibility the Gap
// Orchestrator relies on also covers admin-triggered runs.
func (s *Starter) StartYearBackfill(ctx context.Context, symbol, interval string, horizonDays int) (model.BackfillRun, error) {
	intervalMs, ok := s.intervalMs[interval]
	if !ok {
		return model.BackfillRun{}, fmt.Errorf("adminbackfill: unknown interval %q", interval)
	}
	worker, ok := s.workers[interval]
	if !ok {
		return model.BackfillRun{}, fmt.Errorf("adminbackfill: no worker configured for interval %q", interval)
	}

	now := time.Now()
	to := alignDown(now.UnixMilli()-intervalMs, intervalMs)
	from := alignDown(to-int64(horizonDays)*24*3600*1000, intervalMs)
	expected := (to-from)/intervalMs + 1

	run := model.BackfillRun{
		Symbol: symbol, Interval: interval,
		FromOpenTime: from, ToOpenTime: to,
		ExpectedBars: expected, Status: model.BackfillPending, StartedAt: now,
	}
	id, err := s.store.CreateBackfillRun(ctx, run)
	if err != nil {
		return model.BackfillRun{}, fmt.Errorf("adminbackfill: create run: %w", err)
	}
	run.ID = id

	seg := model.GapSegment{
		Symbol: symbol, Interval: interval,
		FromOpenTime: from, ToOpenTime: to,
		State: model.GapOpen, DetectedAt: now,
	}
	merged, err := s.gaps.MergeOrInsert(ctx, seg, intervalMs)
	if err != nil {
		return model.BackfillRun{}, fmt.Errorf("adminbackfill: register gap: %w", err)
	}

	go s.run(id, worker, merged, intervalMs)

	return run, nil
}

func (s *Starter) run(runID int64, worker *backfill.Worker, seg model.GapSegment, intervalMs int64) {
	ctx := context.Background()
	err := worker.Recover(ctx, seg, intervalMs)

	status := model.BackfillSuccess
	if err != nil {
		status = model.BackfillError
		s.log.Warn("admin backfill run failed", "run_id", runID, "symbol", seg.Symbol, "interval", seg.Interval, "err", err)
	}
	loaded, countErr := s.store.CountRange(ctx, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime)
	if countErr != nil {
		s.log.Warn("admin backfill count verification failed", "run_id", runID, "err", countErr)
	}
	if updErr := s.store.UpdateBackfillRun(ctx, runID, loaded, status, err, true); updErr != nil {
		s.log.Error("admin backfill update run failed", "run_id", runID, "err", updErr)
	}
}

// LatestRun returns the most recently started admin backfill run.
func (s *Starter) LatestRun(ctx context.Context, symbol, interval string) (model.BackfillRun, bool, error) {
	return s.store.LatestBackfillRun(ctx, symbol, interval)
}

func alignDown(ms, step int64) int64 {
	return ms - (ms % step)
}
