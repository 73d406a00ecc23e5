// Package sqlite implements the Canonical Store: idempotent candle
// persistence, gap-segment and backfill-run bookkeeping, and a
// BEGIN-IMMEDIATE-backed advisory lock used by the Gap Orchestrator for
// single-leader election. SQLite has no native advisory lock primitive the
// way a relational engine like Postgres does, so a single-row-per-key table
// locked via an immediate transaction serves the same purpose here, matching
// the teacher's single-writer SQLite convention
// (db.SetMaxOpenConns(1)).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"ohlcv-continuity/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the Canonical Store. A single *sql.DB is shared by all
// operations; writes are serialized by SQLite's own locking plus
// SetMaxOpenConns(1), matching the teacher's writer/reader split collapsed
// here into one handle since this spec has no high-volume tick ingestion to
// separate from reads.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Config configures the Store.
type Config struct {
	DBPath string
}

// Open creates (or reuses) the SQLite file at cfg.DBPath in WAL mode and
// ensures the schema exists.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate", cfg.DBPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			trade_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, interval, open_time)
		)`,
		`CREATE TABLE IF NOT EXISTS gap_segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			from_open_time INTEGER NOT NULL,
			to_open_time INTEGER NOT NULL,
			missing_bars INTEGER NOT NULL,
			state TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			last_error TEXT,
			merged_into INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gap_segments_lookup
			ON gap_segments (symbol, interval, detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_gap_segments_state ON gap_segments (state)`,
		`CREATE TABLE IF NOT EXISTS backfill_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			from_open_time INTEGER NOT NULL,
			to_open_time INTEGER NOT NULL,
			expected_bars INTEGER NOT NULL,
			loaded_bars INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backfill_runs_lookup
			ON backfill_runs (symbol, interval, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS advisory_locks (
			lock_key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS candle_repairs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			trade_count INTEGER NOT NULL DEFAULT 0,
			repaired_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candle_repairs_lookup
			ON candle_repairs (symbol, interval, open_time, repaired_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for packages (gaprepo) that need to
// share a transaction with candle writes.
func (s *Store) DB() *sql.DB { return s.db }

// UpsertResult reports the classification of an UpsertCandles call.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	// Repaired holds the post-upsert content of every candle whose stored
	// value differed from what was already present, for the caller to
	// broadcast as a `repair` event.
	Repaired []model.Candle
}

// UpsertCandles idempotently upserts a batch keyed by (symbol, interval,
// open_time). Identical content is a no-op; divergent content is a repair.
func (s *Store) UpsertCandles(ctx context.Context, batch []model.Candle) (UpsertResult, error) {
	var result UpsertResult
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("%w: begin tx: %v", model.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	selectStmt, err := tx.PrepareContext(ctx, `
		SELECT close_time, open, high, low, close, volume, trade_count
		FROM candles WHERE symbol = ? AND interval = ? AND open_time = ?`)
	if err != nil {
		return result, fmt.Errorf("prepare select: %w", err)
	}
	defer selectStmt.Close()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
			close_time = excluded.close_time,
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, trade_count = excluded.trade_count`)
	if err != nil {
		return result, fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsertStmt.Close()

	for _, c := range batch {
		var existing model.Candle
		row := selectStmt.QueryRowContext(ctx, c.Symbol, c.Interval, c.OpenTime)
		err := row.Scan(&existing.CloseTime, &existing.Open, &existing.High, &existing.Low, &existing.Close, &existing.Volume, &existing.TradeCount)
		switch {
		case err == sql.ErrNoRows:
			result.Inserted++
		case err != nil:
			return result, fmt.Errorf("%w: scan existing: %v", model.ErrStoreUnavailable, err)
		case c.Equal(existing):
			result.Unchanged++
			continue
		default:
			result.Updated++
			result.Repaired = append(result.Repaired, c)
		}

		if _, err := upsertStmt.ExecContext(ctx, c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount); err != nil {
			return result, fmt.Errorf("%w: upsert: %v", model.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("%w: commit: %v", model.ErrStoreUnavailable, err)
	}
	return result, nil
}

// GetRange returns finalized candles for (symbol, interval) with
// from <= open_time <= to, ordered ascending, capped at limit (0 = no cap).
func (s *Store) GetRange(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]model.Candle, error) {
	query := `SELECT symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count
		FROM candles WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC`
	args := []any{symbol, interval, from, to}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get range: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.IsClosed = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetLastClosed returns the largest open_time of a finalized candle for
// (symbol, interval), or (0, false) if none exist.
func (s *Store) GetLastClosed(ctx context.Context, symbol, interval string) (int64, bool, error) {
	var openTime int64
	err := s.db.QueryRowContext(ctx,
		`SELECT open_time FROM candles WHERE symbol = ? AND interval = ? ORDER BY open_time DESC LIMIT 1`,
		symbol, interval).Scan(&openTime)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get last closed: %v", model.ErrStoreUnavailable, err)
	}
	return openTime, true, nil
}

// CountRange returns the exact number of persisted rows for (symbol,
// interval) within [from, to], used both for completeness checks and for
// the accurate gap recount decided in DESIGN.md.
func (s *Store) CountRange(ctx context.Context, symbol, interval string, from, to int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time <= ?`,
		symbol, interval, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count range: %v", model.ErrStoreUnavailable, err)
	}
	return n, nil
}

// RecordRepair appends one entry to the repair ledger: a record that the
// candle at (symbol, interval, open_time) was overwritten with different
// content at repairedAt. Callers insert one row per content-changing
// UpsertCandles result, never for a fresh insert or an identical duplicate.
func (s *Store) RecordRepair(ctx context.Context, candle model.Candle, repairedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candle_repairs (symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, repaired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		candle.Symbol, candle.Interval, candle.OpenTime, candle.CloseTime,
		candle.Open, candle.High, candle.Low, candle.Close, candle.Volume, candle.TradeCount, repairedAt)
	if err != nil {
		return fmt.Errorf("%w: record repair: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// GetRepairsFromOpenTime returns every repair ledger entry for (symbol,
// interval) whose corrected open_time is >= fromOpenTime, ordered by
// repaired_at ascending, capped at limit (0 = no cap). The Delta API
// windows fromOpenTime with a 2-interval overlap, one interval wider than
// the 1-interval overlap it uses for candles themselves, so a repair to an
// open_time just outside the candle window is still surfaced to a polling
// client.
func (s *Store) GetRepairsFromOpenTime(ctx context.Context, symbol, interval string, fromOpenTime int64, limit int) ([]model.RepairEvent, error) {
	query := `SELECT open_time, close_time, open, high, low, close, volume, trade_count, repaired_at
		FROM candle_repairs WHERE symbol = ? AND interval = ? AND open_time >= ?
		ORDER BY repaired_at ASC`
	args := []any{symbol, interval, fromOpenTime}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get repairs from open_time: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []model.RepairEvent
	for rows.Next() {
		var r model.RepairEvent
		r.Candle.Symbol, r.Candle.Interval = symbol, interval
		if err := rows.Scan(&r.Candle.OpenTime, &r.Candle.CloseTime, &r.Candle.Open, &r.Candle.High, &r.Candle.Low, &r.Candle.Close, &r.Candle.Volume, &r.Candle.TradeCount, &r.RepairedAt); err != nil {
			return nil, fmt.Errorf("scan repair: %w", err)
		}
		r.Candle.IsClosed = true
		r.OpenTime = r.Candle.OpenTime
		out = append(out, r)
	}
	return out, rows.Err()
}

// AcquireLock attempts to take the named advisory lock for holder, valid
// for ttl. Returns true if acquired or renewed by the same holder; false if
// held by someone else and not yet expired.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	// The DSN's _txlock=immediate makes this BeginTx take SQLite's RESERVED
	// lock up front, so two processes racing AcquireLock serialize here
	// rather than hitting a late write conflict.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin immediate: %v", model.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now()
	var existingHolder string
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT holder, expires_at FROM advisory_locks WHERE lock_key = ?`, key).
		Scan(&existingHolder, &expiresAt)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO advisory_locks (lock_key, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
			key, holder, now.Unix(), now.Add(ttl).Unix()); err != nil {
			return false, fmt.Errorf("%w: insert lock: %v", model.ErrStoreUnavailable, err)
		}
	case err != nil:
		return false, fmt.Errorf("%w: select lock: %v", model.ErrStoreUnavailable, err)
	case existingHolder == holder || now.Unix() >= expiresAt:
		if _, err := tx.ExecContext(ctx, `UPDATE advisory_locks SET holder = ?, acquired_at = ?, expires_at = ? WHERE lock_key = ?`,
			holder, now.Unix(), now.Add(ttl).Unix(), key); err != nil {
			return false, fmt.Errorf("%w: renew lock: %v", model.ErrStoreUnavailable, err)
		}
	default:
		return false, tx.Commit()
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit lock: %v", model.ErrStoreUnavailable, err)
	}
	return true, nil
}

// ReleaseLock drops the lock row if held by holder, so another process can
// acquire immediately instead of waiting out the TTL.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM advisory_locks WHERE lock_key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("%w: release lock: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// CreateBackfillRun records a new audit-only BackfillRun in `pending` state.
func (s *Store) CreateBackfillRun(ctx context.Context, run model.BackfillRun) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backfill_runs (symbol, interval, from_open_time, to_open_time, expected_bars, loaded_bars, status, attempts, started_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?)`,
		run.Symbol, run.Interval, run.FromOpenTime, run.ToOpenTime, run.ExpectedBars, string(run.Status), run.StartedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: create backfill run: %v", model.ErrStoreUnavailable, err)
	}
	return res.LastInsertId()
}

// UpdateBackfillRun records progress or terminal status for an in-flight run.
func (s *Store) UpdateBackfillRun(ctx context.Context, id int64, loadedBars int64, status model.BackfillStatus, lastErr error, finished bool) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	var finishedAt any
	if finished {
		finishedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE backfill_runs SET loaded_bars = ?, status = ?, attempts = attempts + 1, last_error = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		loadedBars, string(status), msg, finishedAt, id)
	if err != nil {
		return fmt.Errorf("%w: update backfill run: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// LatestBackfillRun returns the most recently started run for (symbol, interval).
func (s *Store) LatestBackfillRun(ctx context.Context, symbol, interval string) (model.BackfillRun, bool, error) {
	var run model.BackfillRun
	var status string
	var startedMs int64
	var finishedMs sql.NullInt64
	var lastErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, interval, from_open_time, to_open_time, expected_bars, loaded_bars, status, attempts, last_error, started_at, finished_at
		FROM backfill_runs WHERE symbol = ? AND interval = ? ORDER BY started_at DESC LIMIT 1`,
		symbol, interval).Scan(&run.ID, &run.Symbol, &run.Interval, &run.FromOpenTime, &run.ToOpenTime,
		&run.ExpectedBars, &run.LoadedBars, &status, &run.Attempts, &lastErr, &startedMs, &finishedMs)
	if err == sql.ErrNoRows {
		return model.BackfillRun{}, false, nil
	}
	if err != nil {
		return model.BackfillRun{}, false, fmt.Errorf("%w: latest backfill run: %v", model.ErrStoreUnavailable, err)
	}
	run.Status = model.BackfillStatus(status)
	run.StartedAt = time.UnixMilli(startedMs)
	if lastErr.Valid {
		run.LastError = lastErr.String
	}
	if finishedMs.Valid {
		run.FinishedAt = time.UnixMilli(finishedMs.Int64)
	}
	return run, true, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
