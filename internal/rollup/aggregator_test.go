package rollup

import (
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/arloop/arlink/internal/db"
	"github.com/arloop/arlink/internal/ingest"
	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/sessions"
	"github.com/arloop/arlink/internal/visitor"
)

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db       *sql.DB
	ledger   *sessions.Ledger
	ingestor *ingest.Ingestor
}

func testFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	if err := models.CreateProject(database, &models.Project{ID: "proj-1", Name: "Test"}); err != nil {
		t.Fatal(err)
	}
	if err := models.CreateMarker(database, &models.Marker{ID: "marker-1", ProjectID: "proj-1", MarkerURL: "https://cdn.example.com/m.mind"}); err != nil {
		t.Fatal(err)
	}
	if err := models.CreateLink(database, &models.Link{ID: "link0001", ProjectID: "proj-1", MarkerID: "marker-1", Destination: "https://example.com"}); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		db:       database,
		ledger:   sessions.NewLedger(database),
		ingestor: ingest.New(database, 0),
	}
}

// visit runs one funnel through the ingestor starting at `start`. A negative
// endOffset leaves the session open; complete controls whether the video
// finishes before the end.
func (f *fixture) visit(t *testing.T, start time.Time, complete bool, endOffset time.Duration) {
	t.Helper()
	s, err := f.ledger.Open("link0001", visitor.Descriptor{}, start)
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		kind models.EventKind
		at   time.Time
	}{
		{models.EventViewStarted, start},
		{models.EventMarkerDetected, start.Add(2 * time.Second)},
		{models.EventVideoStarted, start.Add(4 * time.Second)},
	}
	if complete {
		steps = append(steps, struct {
			kind models.EventKind
			at   time.Time
		}{models.EventVideoCompleted, start.Add(20 * time.Second)})
	}
	if endOffset >= 0 {
		steps = append(steps, struct {
			kind models.EventKind
			at   time.Time
		}{models.EventSessionEnded, start.Add(endOffset)})
	}
	for _, step := range steps {
		if _, err := f.ingestor.Ingest(s.ID, step.kind, nil, step.at); err != nil {
			t.Fatalf("%s: %v", step.kind, err)
		}
	}
}

func TestAggregate(t *testing.T) {
	f := testFixture(t)

	f.visit(t, day.Add(9*time.Hour), true, 30*time.Second)
	f.visit(t, day.Add(10*time.Hour), true, 40*time.Second)
	f.visit(t, day.Add(11*time.Hour), false, 20*time.Second)
	f.visit(t, day.Add(12*time.Hour), false, -1) // still open
	// Next-day visit stays out of this day's row.
	f.visit(t, day.Add(25*time.Hour), true, 10*time.Second)

	agg, err := New(f.db).Aggregate("link0001", day)
	if err != nil {
		t.Fatal(err)
	}

	if agg.Day != "2026-03-01" {
		t.Errorf("Day = %q", agg.Day)
	}
	if agg.SessionCount != 4 {
		t.Errorf("SessionCount = %d, want 4", agg.SessionCount)
	}
	if agg.CompletionCount != 2 {
		t.Errorf("CompletionCount = %d, want 2", agg.CompletionCount)
	}
	// Durations 30, 40, 20; the open session contributes none.
	if agg.AvgDuration == nil || *agg.AvgDuration != 30 {
		t.Errorf("AvgDuration = %v, want 30", agg.AvgDuration)
	}
	if agg.MedianDuration == nil || *agg.MedianDuration != 30 {
		t.Errorf("MedianDuration = %v, want 30", agg.MedianDuration)
	}
	if agg.ViewStarted != 4 {
		t.Errorf("ViewStarted = %d, want 4", agg.ViewStarted)
	}
	if agg.MarkerDetected != 4 {
		t.Errorf("MarkerDetected = %d, want 4", agg.MarkerDetected)
	}
	if agg.VideoStarted != 4 {
		t.Errorf("VideoStarted = %d, want 4", agg.VideoStarted)
	}
	if agg.VideoCompleted != 2 {
		t.Errorf("VideoCompleted = %d, want 2", agg.VideoCompleted)
	}
	if agg.SessionEnded != 3 {
		t.Errorf("SessionEnded = %d, want 3", agg.SessionEnded)
	}
}

func TestAggregate_EmptyDay(t *testing.T) {
	f := testFixture(t)

	agg, err := New(f.db).Aggregate("link0001", day)
	if err != nil {
		t.Fatal(err)
	}
	if agg.SessionCount != 0 || agg.CompletionCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", agg.SessionCount, agg.CompletionCount)
	}
	if agg.AvgDuration != nil || agg.MedianDuration != nil {
		t.Error("durations should be nil for an empty day")
	}
}

// Re-running a day replaces the stored row instead of accumulating into it.
func TestAggregate_Idempotent(t *testing.T) {
	f := testFixture(t)
	f.visit(t, day.Add(9*time.Hour), true, 30*time.Second)

	a := New(f.db)
	first, err := a.Aggregate("link0001", day)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Aggregate("link0001", day)
	if err != nil {
		t.Fatal(err)
	}

	// computed_at moves on each run; every stat must not.
	first.ComputedAt, second.ComputedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reruns differ:\n first = %+v\nsecond = %+v", first, second)
	}

	stored, err := models.GetDailyAggregate(f.db, "link0001", "2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if stored.SessionCount != 1 || stored.ViewStarted != 1 {
		t.Errorf("rerun accumulated: %+v", stored)
	}
}

// New data after a run is picked up by the next run over the same day.
func TestAggregate_RecomputesAfterNewData(t *testing.T) {
	f := testFixture(t)
	a := New(f.db)

	f.visit(t, day.Add(9*time.Hour), true, 30*time.Second)
	if _, err := a.Aggregate("link0001", day); err != nil {
		t.Fatal(err)
	}

	f.visit(t, day.Add(10*time.Hour), false, 10*time.Second)
	agg, err := a.Aggregate("link0001", day)
	if err != nil {
		t.Fatal(err)
	}
	if agg.SessionCount != 2 {
		t.Errorf("SessionCount = %d, want 2", agg.SessionCount)
	}
	if agg.CompletionCount != 1 {
		t.Errorf("CompletionCount = %d, want 1", agg.CompletionCount)
	}
}

func TestBackfill(t *testing.T) {
	f := testFixture(t)
	f.visit(t, day.Add(9*time.Hour), true, 30*time.Second)
	f.visit(t, day.Add(25*time.Hour), true, 10*time.Second)

	n, err := New(f.db).Backfill(day)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("backfilled %d rows, want 2", n)
	}

	aggs, err := models.ListDailyAggregates(f.db, "link0001", "2026-03-01", "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 2 {
		t.Fatalf("stored %d rows, want 2", len(aggs))
	}
	if aggs[0].Day != "2026-03-01" || aggs[1].Day != "2026-03-02" {
		t.Errorf("days = %q, %q", aggs[0].Day, aggs[1].Day)
	}
}
