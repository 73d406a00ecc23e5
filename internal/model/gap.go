package model

import "time"

// GapState is the lifecycle state of a GapSegment.
type GapState string

const (
	GapOpen       GapState = "open"
	GapInProgress GapState = "in_progress"
	GapRecovered  GapState = "recovered"
	GapMerged     GapState = "merged"
)

// GapSegment represents a contiguous run of missing open_time values
// [FromOpenTime, ToOpenTime] inclusive, within one (Symbol, Interval).
type GapSegment struct {
	ID             int64
	Symbol         string
	Interval       string
	FromOpenTime   int64
	ToOpenTime     int64
	MissingBars    int64
	State          GapState
	DetectedAt     time.Time
	RetryCount     int
	LastAttemptAt  time.Time
	LastError      string
	MergedInto     int64 // 0 when not merged
}

// Overlaps reports whether this segment's range intersects [from, to].
func (g GapSegment) Overlaps(from, to int64) bool {
	return g.FromOpenTime <= to && from <= g.ToOpenTime
}

// BackfillStatus is the lifecycle state of a BackfillRun.
type BackfillStatus string

const (
	BackfillPending BackfillStatus = "pending"
	BackfillRunning BackfillStatus = "running"
	BackfillSuccess BackfillStatus = "success"
	BackfillPartial BackfillStatus = "partial"
	BackfillError   BackfillStatus = "error"
)

// BackfillRun is an audit-only record of one admin-triggered historical
// recovery, created and later updated by internal/adminbackfill through the
// Canonical Store. The Gap Orchestrator and the Backfill Worker do not write
// it. Never deleted.
type BackfillRun struct {
	ID            int64
	Symbol        string
	Interval      string
	FromOpenTime  int64
	ToOpenTime    int64
	ExpectedBars  int64
	LoadedBars    int64
	Status        BackfillStatus
	Attempts      int
	LastError     string
	StartedAt     time.Time
	FinishedAt    time.Time
}
