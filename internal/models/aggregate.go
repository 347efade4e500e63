package models

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DayFormat is the calendar-day key used by daily aggregates, always UTC.
const DayFormat = "2006-01-02"

// DailyAggregate is a derived read-side row: one link, one UTC day.
// Recomputing it replaces the whole row, so backfills never double-count.
type DailyAggregate struct {
	LinkID          string    `json:"link_id"`
	Day             string    `json:"day"`
	SessionCount    int64     `json:"session_count"`
	CompletionCount int64     `json:"completion_count"`
	AvgDuration     *float64  `json:"avg_duration_seconds,omitempty"`
	MedianDuration  *float64  `json:"median_duration_seconds,omitempty"`
	ViewStarted     int64     `json:"view_started"`
	MarkerDetected  int64     `json:"marker_detected"`
	VideoStarted    int64     `json:"video_started"`
	VideoPaused     int64     `json:"video_paused"`
	VideoCompleted  int64     `json:"video_completed"`
	VideoReplayed   int64     `json:"video_replayed"`
	SessionEnded    int64     `json:"session_ended"`
	ComputedAt      time.Time `json:"computed_at"`
}

// KindCount returns the stored count for one event kind.
func (a *DailyAggregate) KindCount(kind EventKind) int64 {
	switch kind {
	case EventViewStarted:
		return a.ViewStarted
	case EventMarkerDetected:
		return a.MarkerDetected
	case EventVideoStarted:
		return a.VideoStarted
	case EventVideoPaused:
		return a.VideoPaused
	case EventVideoCompleted:
		return a.VideoCompleted
	case EventVideoReplayed:
		return a.VideoReplayed
	case EventSessionEnded:
		return a.SessionEnded
	}
	return 0
}

// SetKindCount stores the count for one event kind in its column field.
func (a *DailyAggregate) SetKindCount(kind EventKind, n int64) {
	switch kind {
	case EventViewStarted:
		a.ViewStarted = n
	case EventMarkerDetected:
		a.MarkerDetected = n
	case EventVideoStarted:
		a.VideoStarted = n
	case EventVideoPaused:
		a.VideoPaused = n
	case EventVideoCompleted:
		a.VideoCompleted = n
	case EventVideoReplayed:
		a.VideoReplayed = n
	case EventSessionEnded:
		a.SessionEnded = n
	}
}

// SessionDayStats holds the per-session inputs of a daily aggregate.
type SessionDayStats struct {
	SessionCount    int64
	CompletionCount int64
	Durations       []int64
}

// SessionStatsForDay scans sessions whose started_at falls inside [from, to).
// Day boundaries are computed by the caller; no implicit date arithmetic in
// the store.
func SessionStatsForDay(db DBTX, linkID string, from, to time.Time) (*SessionDayStats, error) {
	rows, err := db.Query(
		`SELECT video_completed, duration_seconds FROM sessions WHERE link_id = ? AND started_at >= ? AND started_at < ?`,
		linkID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()

	var stats SessionDayStats
	for rows.Next() {
		var completed int
		var duration sql.NullInt64
		if err := rows.Scan(&completed, &duration); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		stats.SessionCount++
		if completed == 1 {
			stats.CompletionCount++
		}
		if duration.Valid {
			stats.Durations = append(stats.Durations, duration.Int64)
		}
	}
	return &stats, rows.Err()
}

// EventCountsForDay groups raw events by kind for every session of a link
// that started inside [from, to). The sessions join is explicit: events carry
// only a session id.
func EventCountsForDay(db DBTX, linkID string, from, to time.Time) (map[EventKind]int64, error) {
	rows, err := db.Query(
		`SELECT e.kind, COUNT(*)
		 FROM analytics_events e
		 JOIN sessions s ON s.id = e.session_id
		 WHERE s.link_id = ? AND s.started_at >= ? AND s.started_at < ?
		 GROUP BY e.kind`,
		linkID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[EventKind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[EventKind(kind)] = n
	}
	return counts, rows.Err()
}

// UpsertDailyAggregate fully replaces the aggregate row for (link_id, day).
func UpsertDailyAggregate(db DBTX, a *DailyAggregate) error {
	_, err := db.Exec(
		`INSERT INTO daily_aggregates (link_id, day, session_count, completion_count, avg_duration, median_duration,
		    view_started, marker_detected, video_started, video_paused, video_completed, video_replayed, session_ended, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(link_id, day) DO UPDATE SET
		    session_count = excluded.session_count,
		    completion_count = excluded.completion_count,
		    avg_duration = excluded.avg_duration,
		    median_duration = excluded.median_duration,
		    view_started = excluded.view_started,
		    marker_detected = excluded.marker_detected,
		    video_started = excluded.video_started,
		    video_paused = excluded.video_paused,
		    video_completed = excluded.video_completed,
		    video_replayed = excluded.video_replayed,
		    session_ended = excluded.session_ended,
		    computed_at = excluded.computed_at`,
		a.LinkID, a.Day, a.SessionCount, a.CompletionCount, nullFloat(a.AvgDuration), nullFloat(a.MedianDuration),
		a.ViewStarted, a.MarkerDetected, a.VideoStarted, a.VideoPaused, a.VideoCompleted, a.VideoReplayed, a.SessionEnded,
		a.ComputedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}
	return nil
}

const aggregateColumns = `link_id, day, session_count, completion_count, avg_duration, median_duration,
	view_started, marker_detected, video_started, video_paused, video_completed, video_replayed, session_ended, computed_at`

func GetDailyAggregate(db *sql.DB, linkID, day string) (*DailyAggregate, error) {
	row := db.QueryRow(`SELECT `+aggregateColumns+` FROM daily_aggregates WHERE link_id = ? AND day = ?`, linkID, day)
	a, err := scanAggregate(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get daily aggregate: %w", err)
	}
	return a, nil
}

// ListDailyAggregates returns stored aggregates for a link between two day
// keys, inclusive, oldest first.
func ListDailyAggregates(db *sql.DB, linkID, fromDay, toDay string) ([]DailyAggregate, error) {
	rows, err := db.Query(
		`SELECT `+aggregateColumns+` FROM daily_aggregates WHERE link_id = ? AND day >= ? AND day <= ? ORDER BY day`,
		linkID, fromDay, toDay,
	)
	if err != nil {
		return nil, fmt.Errorf("list daily aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []DailyAggregate
	for rows.Next() {
		a, err := scanAggregate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan daily aggregate: %w", err)
		}
		aggs = append(aggs, *a)
	}
	return aggs, rows.Err()
}

// ActiveLinkDays lists the distinct (link, day) pairs with sessions started
// at or after since. The rollup loop uses it to find work.
func ActiveLinkDays(db *sql.DB, since time.Time) (map[string][]string, error) {
	rows, err := db.Query(`SELECT link_id, started_at FROM sessions WHERE started_at >= ?`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("active link days: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]map[string]bool)
	for rows.Next() {
		var linkID string
		var startedAt time.Time
		if err := rows.Scan(&linkID, &startedAt); err != nil {
			return nil, fmt.Errorf("scan active link day: %w", err)
		}
		day := startedAt.UTC().Format(DayFormat)
		if seen[linkID] == nil {
			seen[linkID] = make(map[string]bool)
		}
		seen[linkID][day] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(seen))
	for linkID, days := range seen {
		for day := range days {
			out[linkID] = append(out[linkID], day)
		}
	}
	return out, nil
}

func scanAggregate(scan func(dest ...any) error) (*DailyAggregate, error) {
	var a DailyAggregate
	var avg, median sql.NullFloat64
	if err := scan(
		&a.LinkID, &a.Day, &a.SessionCount, &a.CompletionCount, &avg, &median,
		&a.ViewStarted, &a.MarkerDetected, &a.VideoStarted, &a.VideoPaused,
		&a.VideoCompleted, &a.VideoReplayed, &a.SessionEnded, &a.ComputedAt,
	); err != nil {
		return nil, err
	}
	if avg.Valid {
		v := avg.Float64
		a.AvgDuration = &v
	}
	if median.Valid {
		v := median.Float64
		a.MedianDuration = &v
	}
	return &a, nil
}
