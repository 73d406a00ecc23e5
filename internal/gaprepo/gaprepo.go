// Package gaprepo is the Gap Repository: a transactional layer over the
// canonical store implementing gap-segment CRUD with merge-on-overlap,
// grounded on the teacher's single-transaction batched-write pattern in
// store/sqlite/writer.go (insertBatch), applied here to segment mutation
// instead of candle insertion.
package gaprepo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
)

// Repo is the Gap Repository.
type Repo struct {
	store *sqlite.Store
}

// New creates a Repo backed by the given Canonical Store.
func New(store *sqlite.Store) *Repo {
	return &Repo{store: store}
}

// MergeOrInsert inserts seg, or — if it overlaps existing open/in_progress
// segments for the same (symbol, interval) — marks those rows `merged` and
// inserts one new row spanning the union, with missing_bars recomputed via
// the store's accurate CountRange (the Open Question in spec.md §9 is
// resolved in DESIGN.md in favor of the accurate recount).
func (r *Repo) MergeOrInsert(ctx context.Context, seg model.GapSegment, intervalMs int64) (model.GapSegment, error) {
	tx, err := r.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("%w: begin: %v", model.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, from_open_time, to_open_time FROM gap_segments
		WHERE symbol = ? AND interval = ? AND state IN ('open','in_progress')
		AND from_open_time <= ? AND to_open_time >= ?`,
		seg.Symbol, seg.Interval, seg.ToOpenTime, seg.FromOpenTime)
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("%w: query overlaps: %v", model.ErrStoreUnavailable, err)
	}

	type overlap struct {
		id       int64
		from, to int64
	}
	var overlaps []overlap
	from, to := seg.FromOpenTime, seg.ToOpenTime
	for rows.Next() {
		var o overlap
		if err := rows.Scan(&o.id, &o.from, &o.to); err != nil {
			rows.Close()
			return model.GapSegment{}, fmt.Errorf("scan overlap: %w", err)
		}
		overlaps = append(overlaps, o)
		if o.from < from {
			from = o.from
		}
		if o.to > to {
			to = o.to
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.GapSegment{}, fmt.Errorf("%w: iterate overlaps: %v", model.ErrStoreUnavailable, err)
	}

	var missing int64
	if n, err := r.countRangeTx(ctx, tx, seg.Symbol, seg.Interval, from, to); err == nil {
		total := (to-from)/intervalMs + 1
		missing = total - n
	} else {
		return model.GapSegment{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO gap_segments (symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at, retry_count)
		VALUES (?, ?, ?, ?, ?, 'open', ?, 0)`,
		seg.Symbol, seg.Interval, from, to, missing, seg.DetectedAt.UnixMilli())
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("%w: insert merged: %v", model.ErrStoreUnavailable, err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("last insert id: %w", err)
	}

	for _, o := range overlaps {
		if _, err := tx.ExecContext(ctx, `UPDATE gap_segments SET state = 'merged', merged_into = ? WHERE id = ?`, newID, o.id); err != nil {
			return model.GapSegment{}, fmt.Errorf("%w: mark merged: %v", model.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.GapSegment{}, fmt.Errorf("%w: commit: %v", model.ErrStoreUnavailable, err)
	}

	return model.GapSegment{
		ID: newID, Symbol: seg.Symbol, Interval: seg.Interval,
		FromOpenTime: from, ToOpenTime: to, MissingBars: missing,
		State: model.GapOpen, DetectedAt: seg.DetectedAt,
	}, nil
}

func (r *Repo) countRangeTx(ctx context.Context, tx *sql.Tx, symbol, interval string, from, to int64) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time <= ?`,
		symbol, interval, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count range tx: %v", model.ErrStoreUnavailable, err)
	}
	return n, nil
}

// LoadOpen returns open and in_progress segments for (symbol, interval)
// ordered missing_bars DESC, detected_at ASC, capped at limit.
func (r *Repo) LoadOpen(ctx context.Context, symbol, interval string, limit int) ([]model.GapSegment, error) {
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT id, symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at, retry_count
		FROM gap_segments
		WHERE symbol = ? AND interval = ? AND state IN ('open','in_progress')
		ORDER BY missing_bars DESC, detected_at ASC LIMIT ?`, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load open: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []model.GapSegment
	for rows.Next() {
		var g model.GapSegment
		var detectedMs int64
		var state string
		if err := rows.Scan(&g.ID, &g.Symbol, &g.Interval, &g.FromOpenTime, &g.ToOpenTime, &g.MissingBars, &state, &detectedMs, &g.RetryCount); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		g.State = model.GapState(state)
		g.DetectedAt = time.UnixMilli(detectedMs)
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkInProgress transitions a segment from open to in_progress.
func (r *Repo) MarkInProgress(ctx context.Context, id int64) error {
	res, err := r.store.DB().ExecContext(ctx,
		`UPDATE gap_segments SET state = 'in_progress', last_attempt_at = ? WHERE id = ? AND state = 'open'`,
		time.Now().UnixMilli(), id)
	return mustAffectOne(res, err, "mark in_progress")
}

// MarkRecovered transitions a segment to recovered. It accepts a segment
// either dispatched to a worker (in_progress) or still open: a late fill can
// absorb the last missing bar of a gap before the Backfill Worker ever picks
// it up, and that path must still be able to close the segment out.
func (r *Repo) MarkRecovered(ctx context.Context, id int64) error {
	res, err := r.store.DB().ExecContext(ctx,
		`UPDATE gap_segments SET state = 'recovered' WHERE id = ? AND state IN ('open', 'in_progress')`, id)
	return mustAffectOne(res, err, "mark recovered")
}

// IncrementRetry records a failed recovery attempt, keeping the segment
// in_progress until the caller's cool-off policy or the scanner requeues it.
func (r *Repo) IncrementRetry(ctx context.Context, id int64, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	_, err := r.store.DB().ExecContext(ctx,
		`UPDATE gap_segments SET retry_count = retry_count + 1, last_attempt_at = ?, last_error = ? WHERE id = ?`,
		time.Now().UnixMilli(), msg, id)
	if err != nil {
		return fmt.Errorf("%w: increment retry: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// AbsorbOpenTime accounts for a late-arriving finalized candle at ot that
// falls inside the tracked segment id: advances/retracts the boundary,
// splits an interior hit into two segments, or closes the segment if it was
// the only missing bar.
func (r *Repo) AbsorbOpenTime(ctx context.Context, id int64, ot, intervalMs int64) error {
	var from, to, missing int64
	err := r.store.DB().QueryRowContext(ctx,
		`SELECT from_open_time, to_open_time, missing_bars FROM gap_segments WHERE id = ?`, id).
		Scan(&from, &to, &missing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: gap segment %d", model.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: load segment: %v", model.ErrStoreUnavailable, err)
	}

	switch {
	case missing <= 1 || (ot == from && ot == to):
		return r.MarkRecovered(ctx, id)
	case ot == from:
		_, err = r.store.DB().ExecContext(ctx,
			`UPDATE gap_segments SET from_open_time = ?, missing_bars = missing_bars - 1 WHERE id = ?`,
			from+intervalMs, id)
	case ot == to:
		_, err = r.store.DB().ExecContext(ctx,
			`UPDATE gap_segments SET to_open_time = ?, missing_bars = missing_bars - 1 WHERE id = ?`,
			to-intervalMs, id)
	default:
		// Interior hit: split into [from, ot-interval] and [ot+interval, to].
		tx, txErr := r.store.DB().BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("%w: begin split: %v", model.ErrStoreUnavailable, txErr)
		}
		defer tx.Rollback()

		var symbol, interval, state string
		var detectedMs int64
		if scanErr := tx.QueryRowContext(ctx, `SELECT symbol, interval, state, detected_at FROM gap_segments WHERE id = ?`, id).
			Scan(&symbol, &interval, &state, &detectedMs); scanErr != nil {
			return fmt.Errorf("%w: load for split: %v", model.ErrStoreUnavailable, scanErr)
		}

		leftTotal := (ot-intervalMs-from)/intervalMs + 1
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE gap_segments SET to_open_time = ?, missing_bars = ? WHERE id = ?`,
			ot-intervalMs, leftTotal, id); execErr != nil {
			return fmt.Errorf("%w: shrink left: %v", model.ErrStoreUnavailable, execErr)
		}

		rightTotal := (to-(ot+intervalMs))/intervalMs + 1
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO gap_segments (symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at, retry_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			symbol, interval, ot+intervalMs, to, rightTotal, state, detectedMs); execErr != nil {
			return fmt.Errorf("%w: insert right: %v", model.ErrStoreUnavailable, execErr)
		}
		return tx.Commit()
	}

	if err != nil {
		return fmt.Errorf("%w: absorb open time: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

func mustAffectOne(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: no row transitioned (wrong prior state or missing id)", op)
	}
	return nil
}
