// Package rollup compacts raw sessions and events into daily summary rows.
// Aggregation is a pure read over the source tables followed by an upsert, so
// any run can be repeated or backfilled without double-counting.
package rollup

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arloop/arlink/internal/models"
)

type Aggregator struct {
	db   *sql.DB
	stop chan struct{}
	done chan struct{}
}

func New(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Aggregate recomputes and stores the daily summary for one link and one UTC
// day, returning the stored row. Invoking it twice with no intervening data
// change produces identical output; each run fully replaces the prior row.
func (a *Aggregator) Aggregate(linkID string, day time.Time) (*models.DailyAggregate, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)

	// One transaction over both reads and the upsert, so the stored row is a
	// function of a single snapshot even while ingestion runs.
	tx, err := a.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stats, err := models.SessionStatsForDay(tx, linkID, from, to)
	if err != nil {
		return nil, err
	}
	counts, err := models.EventCountsForDay(tx, linkID, from, to)
	if err != nil {
		return nil, err
	}

	agg := &models.DailyAggregate{
		LinkID:          linkID,
		Day:             from.Format(models.DayFormat),
		SessionCount:    stats.SessionCount,
		CompletionCount: stats.CompletionCount,
		ComputedAt:      time.Now().UTC(),
	}
	agg.AvgDuration, agg.MedianDuration = durationStats(stats.Durations)
	for kind, n := range counts {
		agg.SetKindCount(kind, n)
	}

	if err := models.UpsertDailyAggregate(tx, agg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return agg, nil
}

// Backfill recomputes every (link, day) pair with sessions started since the
// given time. The background loop calls this with a window a little wider
// than its interval so late-closing sessions get folded in.
func (a *Aggregator) Backfill(since time.Time) (int, error) {
	work, err := models.ActiveLinkDays(a.db, since)
	if err != nil {
		return 0, err
	}

	n := 0
	for linkID, days := range work {
		for _, day := range days {
			d, err := time.Parse(models.DayFormat, day)
			if err != nil {
				continue
			}
			if _, err := a.Aggregate(linkID, d); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Start launches the periodic rollup loop. window controls how far back each
// pass looks for activity.
func (a *Aggregator) Start(interval, window time.Duration) {
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(interval, window)
}

// Shutdown stops the loop started by Start and waits for it.
func (a *Aggregator) Shutdown() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	<-a.done
}

func (a *Aggregator) run(interval, window time.Duration) {
	defer close(a.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := a.Backfill(time.Now().Add(-window)); err != nil {
				log.Error().Err(err).Msg("rollup pass failed")
			} else if n > 0 {
				log.Info().Int("aggregates", n).Msg("rollup pass complete")
			}
		case <-a.stop:
			return
		}
	}
}

// durationStats returns average and median over the recorded session
// durations, or nils when none have completed.
func durationStats(durations []int64) (avg, median *float64) {
	if len(durations) == 0 {
		return nil, nil
	}

	sorted := make([]int64, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, d := range sorted {
		sum += d
	}
	av := float64(sum) / float64(len(sorted))

	var med float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		med = float64(sorted[mid])
	} else {
		med = float64(sorted[mid-1]+sorted[mid]) / 2
	}
	return &av, &med
}
