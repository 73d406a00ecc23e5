// Package orchestrator implements the Gap Orchestrator: a fleet-wide
// singleton (enforced by a DB advisory lock, never an in-process global)
// that maintains a priority queue of open gap segments and dispatches
// Backfill Workers under a concurrency cap. Grounded on the teacher's
// worker-pool dispatch shape with a container/heap-backed priority queue
// added for the (missing_bars DESC, detected_at ASC) ordering spec.md §4.6
// requires, which the teacher's FIFO queues do not need.
package orchestrator

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ohlcv-continuity/internal/backfill"
	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/model"
)

// Config controls polling cadence, concurrency, and leadership.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
	LockKey      string
	LockTTL      time.Duration
}

// lockHolder is the subset of the Canonical Store the orchestrator needs
// for leader election, kept narrow so tests can fake it without a real DB.
type lockHolder interface {
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) error
}

// SegKey is a queue-membership target: one (symbol, interval).
type SegKey struct {
	Symbol, Interval string
}

// gapItem is a priority-queue entry; index is maintained by container/heap.
type gapItem struct {
	seg   model.GapSegment
	index int
}

type gapQueue []*gapItem

func (q gapQueue) Len() int { return len(q) }
func (q gapQueue) Less(i, j int) bool {
	if q[i].seg.MissingBars != q[j].seg.MissingBars {
		return q[i].seg.MissingBars > q[j].seg.MissingBars // DESC
	}
	return q[i].seg.DetectedAt.Before(q[j].seg.DetectedAt) // ASC
}
func (q gapQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *gapQueue) Push(x any) {
	item := x.(*gapItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *gapQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Orchestrator is the Gap Orchestrator.
type Orchestrator struct {
	cfg     Config
	holder  lockHolder
	holderID string
	gaps    *gaprepo.Repo
	workers map[SegKey]*backfill.Worker
	intervalMs map[string]int64
	log     *slog.Logger

	mu         sync.Mutex
	inFlight   map[SegKey]bool
	queueDepth func(int)
	openGauge  func(int)
}

// New constructs an Orchestrator. workers maps each tracked (symbol,
// interval) to the Worker responsible for recovering its gaps; intervalMs
// maps canonical interval strings to their millisecond step.
func New(cfg Config, holderID string, store lockHolder, gaps *gaprepo.Repo, workers map[SegKey]*backfill.Worker, intervalMs map[string]int64, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, holder: store, holderID: holderID, gaps: gaps,
		workers: workers, intervalMs: intervalMs, log: log,
		inFlight:   make(map[SegKey]bool),
		queueDepth: func(int) {}, openGauge: func(int) {},
	}
}

// WithGauges wires queue-depth and open-gap-count observers for Metrics & Health.
func (o *Orchestrator) WithGauges(queueDepth, openGauge func(int)) *Orchestrator {
	o.queueDepth = queueDepth
	o.openGauge = openGauge
	return o
}

// Run drives the orchestrator's poll loop until ctx is cancelled. It only
// acts while holding the fleet-wide advisory lock: a poll in which the lock
// is not held dispatches nothing. Workers already dispatched are not drained
// or cancelled when the lock is lost; they run to completion.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.releaseLeadership(context.Background())
			return ctx.Err()
		case <-ticker.C:
		}

		held, err := o.holder.AcquireLock(ctx, o.cfg.LockKey, o.holderID, o.cfg.LockTTL)
		if err != nil {
			o.log.Warn("acquire lock failed", "err", err)
			continue
		}
		if !held {
			continue
		}

		immediate, err := o.tick(ctx)
		if err != nil {
			o.log.Error("orchestrator tick failed", "err", err)
		}
		if immediate {
			ticker.Reset(10 * time.Millisecond)
		} else {
			ticker.Reset(o.cfg.PollInterval)
		}
	}
}

func (o *Orchestrator) releaseLeadership(ctx context.Context) {
	if err := o.holder.ReleaseLock(ctx, o.cfg.LockKey, o.holderID); err != nil {
		o.log.Warn("release lock failed", "err", err)
	}
}

// tick loads open segments across all tracked keys, builds a priority queue,
// and dispatches up to the concurrency cap, skipping any (symbol, interval)
// with a recovery already in flight. Returns true if work was dispatched,
// signalling the caller to tick again immediately instead of waiting a full
// poll interval.
func (o *Orchestrator) tick(ctx context.Context) (bool, error) {
	pq := &gapQueue{}
	heap.Init(pq)
	openTotal := 0

	for key := range o.workers {
		segs, err := o.gaps.LoadOpen(ctx, key.Symbol, key.Interval, 64)
		if err != nil {
			return false, fmt.Errorf("orchestrator: load open %s/%s: %w", key.Symbol, key.Interval, err)
		}
		openTotal += len(segs)
		for _, seg := range segs {
			heap.Push(pq, &gapItem{seg: seg})
		}
	}
	o.queueDepth(pq.Len())
	o.openGauge(openTotal)

	o.mu.Lock()
	available := o.cfg.Concurrency - len(o.inFlight)
	o.mu.Unlock()

	dispatched := false
	for available > 0 && pq.Len() > 0 {
		item := heap.Pop(pq).(*gapItem)
		key := SegKey{Symbol: item.seg.Symbol, Interval: item.seg.Interval}

		o.mu.Lock()
		busy := o.inFlight[key]
		if !busy {
			o.inFlight[key] = true
		}
		o.mu.Unlock()
		if busy {
			continue // one worker per (symbol, interval) at a time
		}

		worker, ok := o.workers[key]
		if !ok {
			o.mu.Lock()
			delete(o.inFlight, key)
			o.mu.Unlock()
			continue
		}
		intervalMs, ok := o.intervalMs[item.seg.Interval]
		if !ok {
			o.mu.Lock()
			delete(o.inFlight, key)
			o.mu.Unlock()
			continue
		}

		available--
		dispatched = true
		seg := item.seg
		go func() {
			defer func() {
				o.mu.Lock()
				delete(o.inFlight, key)
				o.mu.Unlock()
			}()
			if err := worker.Recover(ctx, seg, intervalMs); err != nil {
				o.log.Warn("gap recovery attempt failed", "symbol", seg.Symbol, "interval", seg.Interval, "gap_id", seg.ID, "err", err)
			}
		}()
	}
	return dispatched, nil
}
