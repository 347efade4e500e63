package models

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Session struct {
	ID               string     `json:"id"`
	LinkID           string     `json:"link_id"`
	Fingerprint      string     `json:"fingerprint,omitempty"`
	IP               string     `json:"-"`
	UserAgent        string     `json:"-"`
	Browser          string     `json:"browser,omitempty"`
	OS               string     `json:"os,omitempty"`
	DeviceType       string     `json:"device_type,omitempty"`
	Country          string     `json:"country,omitempty"`
	City             string     `json:"city,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	LastEventAt      time.Time  `json:"last_event_at"`
	MarkerDetectedAt *time.Time `json:"marker_detected_at,omitempty"`
	VideoStartedAt   *time.Time `json:"video_started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationSeconds  *int64     `json:"duration_seconds,omitempty"`
	VideoCompleted   bool       `json:"video_completed"`
	Terminal         bool       `json:"terminal"`
}

func InsertSession(db DBTX, s *Session) error {
	_, err := db.Exec(
		`INSERT INTO sessions (id, link_id, fingerprint, ip, user_agent, browser, os, device_type, country, city, started_at, last_event_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.LinkID, s.Fingerprint, s.IP, s.UserAgent, s.Browser, s.OS, s.DeviceType, s.Country, s.City,
		s.StartedAt.UTC(), s.LastEventAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, link_id, fingerprint, ip, user_agent, browser, os, device_type, country, city,
	started_at, last_event_at, marker_detected_at, video_started_at, ended_at, duration_seconds, video_completed, terminal`

func GetSession(db DBTX, id string) (*Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	var s Session
	var markerDetectedAt, videoStartedAt, endedAt sql.NullTime
	var duration sql.NullInt64
	var completed, terminal int
	err := row.Scan(
		&s.ID, &s.LinkID, &s.Fingerprint, &s.IP, &s.UserAgent, &s.Browser, &s.OS, &s.DeviceType, &s.Country, &s.City,
		&s.StartedAt, &s.LastEventAt, &markerDetectedAt, &videoStartedAt, &endedAt, &duration, &completed, &terminal,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if markerDetectedAt.Valid {
		t := markerDetectedAt.Time
		s.MarkerDetectedAt = &t
	}
	if videoStartedAt.Valid {
		t := videoStartedAt.Time
		s.VideoStartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		s.DurationSeconds = &d
	}
	s.VideoCompleted = completed == 1
	s.Terminal = terminal == 1
	return &s, nil
}

// StaleSession identifies an open session with no activity since its
// last_event_at timestamp.
type StaleSession struct {
	ID          string
	LastEventAt time.Time
}

// ListStaleSessions returns open sessions whose last activity predates cutoff.
func ListStaleSessions(db *sql.DB, cutoff time.Time, limit int) ([]StaleSession, error) {
	rows, err := db.Query(
		`SELECT id, last_event_at FROM sessions WHERE terminal = 0 AND last_event_at < ? ORDER BY last_event_at LIMIT ?`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var stale []StaleSession
	for rows.Next() {
		var s StaleSession
		if err := rows.Scan(&s.ID, &s.LastEventAt); err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		stale = append(stale, s)
	}
	return stale, rows.Err()
}
