package models

import (
	"fmt"
	"time"
)

// EventKind is the closed enumeration of visitor funnel stages.
type EventKind string

const (
	EventViewStarted    EventKind = "view_started"
	EventMarkerDetected EventKind = "marker_detected"
	EventVideoStarted   EventKind = "video_started"
	EventVideoPaused    EventKind = "video_paused"
	EventVideoCompleted EventKind = "video_completed"
	EventVideoReplayed  EventKind = "video_replayed"
	EventSessionEnded   EventKind = "session_ended"
)

// EventKinds lists every kind in funnel order.
var EventKinds = []EventKind{
	EventViewStarted,
	EventMarkerDetected,
	EventVideoStarted,
	EventVideoPaused,
	EventVideoCompleted,
	EventVideoReplayed,
	EventSessionEnded,
}

func (k EventKind) Valid() bool {
	switch k {
	case EventViewStarted, EventMarkerDetected, EventVideoStarted, EventVideoPaused,
		EventVideoCompleted, EventVideoReplayed, EventSessionEnded:
		return true
	}
	return false
}

// AnalyticsEvent is one append-only log entry. Metadata is opaque to this
// side beyond shape and size checks; interpretation is the dashboard's
// problem.
type AnalyticsEvent struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       EventKind `json:"kind"`
	Metadata   string    `json:"metadata,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func InsertEvent(db DBTX, e *AnalyticsEvent) error {
	_, err := db.Exec(
		`INSERT INTO analytics_events (id, session_id, kind, metadata, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Kind), e.Metadata, e.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func EventsForSession(db DBTX, sessionID string) ([]AnalyticsEvent, error) {
	rows, err := db.Query(
		`SELECT id, session_id, kind, metadata, recorded_at FROM analytics_events WHERE session_id = ? ORDER BY recorded_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("events for session: %w", err)
	}
	defer rows.Close()

	var events []AnalyticsEvent
	for rows.Next() {
		var e AnalyticsEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Metadata, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
