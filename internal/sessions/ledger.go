// Package sessions maintains one ledger row per visitor visit. The ledger is
// a materialized projection over the analytics event log: each funnel stage
// is applied as a conditional UPDATE whose WHERE clause carries the
// monotonicity invariant, so concurrent or retransmitted events can never
// move a timestamp backward.
package sessions

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/visitor"
)

var (
	// ErrUnknownSession is returned for a session id with no ledger row.
	ErrUnknownSession = errors.New("unknown session")
	// ErrTerminalSession is returned when a stage arrives after the session
	// ended. Terminal sessions are never mutated.
	ErrTerminalSession = errors.New("session already terminal")
	// ErrStaleTimestamp is returned when applying a stage timestamp would
	// regress a ledger field.
	ErrStaleTimestamp = errors.New("stale stage timestamp")
	// ErrStagePrecondition is returned when a stage arrives before the stage
	// it depends on (e.g. video start without a detected marker).
	ErrStagePrecondition = errors.New("stage precondition not met")
)

type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Open creates a session row for an authorized visit. startedAt is immutable
// from here on.
func (l *Ledger) Open(linkID string, v visitor.Descriptor, now time.Time) (*models.Session, error) {
	now = now.UTC()
	s := &models.Session{
		ID:          uuid.NewString(),
		LinkID:      linkID,
		Fingerprint: v.Fingerprint,
		IP:          v.IP,
		UserAgent:   v.UserAgent,
		Browser:     v.Browser,
		OS:          v.OS,
		DeviceType:  v.DeviceType,
		Country:     v.Country,
		City:        v.City,
		StartedAt:   now,
		LastEventAt: now,
	}
	if err := models.InsertSession(l.db, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (l *Ledger) Get(sessionID string) (*models.Session, error) {
	s, err := models.GetSession(l.db, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownSession
		}
		return nil, err
	}
	return s, nil
}

// RecordStage applies one funnel stage to the ledger at the given timestamp.
// Stages whose timestamp field is already set are idempotent no-ops (nil
// error); regressions return ErrStaleTimestamp, missing prior stages return
// ErrStagePrecondition.
func (l *Ledger) RecordStage(sessionID string, stage models.EventKind, at time.Time) error {
	return ApplyStage(l.db, sessionID, stage, at)
}

// Close marks the session terminal, setting endedAt and the derived duration.
func (l *Ledger) Close(sessionID string, at time.Time) error {
	return CloseSession(l.db, sessionID, at)
}

// touchSQL advances last_event_at without ever moving it backward.
const touchSQL = `last_event_at = CASE WHEN ? > last_event_at THEN ? ELSE last_event_at END`

// ApplyStage is RecordStage against an arbitrary DBTX so the event ingestor
// can run it inside the transaction that appends the raw event.
func ApplyStage(q models.DBTX, sessionID string, stage models.EventKind, at time.Time) error {
	at = at.UTC()

	switch stage {
	case models.EventViewStarted, models.EventVideoPaused:
		return touch(q, sessionID, at)

	case models.EventMarkerDetected:
		res, err := q.Exec(
			`UPDATE sessions SET marker_detected_at = ?, `+touchSQL+`
			 WHERE id = ? AND terminal = 0 AND marker_detected_at IS NULL AND ? >= started_at`,
			at, at, at, sessionID, at,
		)
		if err != nil {
			return fmt.Errorf("record marker detected: %w", err)
		}
		return diagnose(q, res, sessionID, func(s *stageState) error {
			if s.markerDetectedAt.Valid {
				// First occurrence already recorded; still counts as activity.
				return touch(q, sessionID, at)
			}
			return ErrStaleTimestamp
		})

	case models.EventVideoStarted:
		res, err := q.Exec(
			`UPDATE sessions SET video_started_at = ?, `+touchSQL+`
			 WHERE id = ? AND terminal = 0 AND video_started_at IS NULL
			   AND marker_detected_at IS NOT NULL AND ? >= marker_detected_at`,
			at, at, at, sessionID, at,
		)
		if err != nil {
			return fmt.Errorf("record video started: %w", err)
		}
		return diagnose(q, res, sessionID, func(s *stageState) error {
			if s.videoStartedAt.Valid {
				return touch(q, sessionID, at)
			}
			if !s.markerDetectedAt.Valid {
				return ErrStagePrecondition
			}
			return ErrStaleTimestamp
		})

	case models.EventVideoCompleted:
		res, err := q.Exec(
			`UPDATE sessions SET video_completed = 1, `+touchSQL+`
			 WHERE id = ? AND terminal = 0 AND video_started_at IS NOT NULL`,
			at, at, sessionID,
		)
		if err != nil {
			return fmt.Errorf("record video completed: %w", err)
		}
		return diagnose(q, res, sessionID, func(s *stageState) error {
			return ErrStagePrecondition // video never started
		})

	case models.EventVideoReplayed:
		res, err := q.Exec(
			`UPDATE sessions SET `+touchSQL+`
			 WHERE id = ? AND terminal = 0 AND video_completed = 1`,
			at, at, sessionID,
		)
		if err != nil {
			return fmt.Errorf("record video replayed: %w", err)
		}
		return diagnose(q, res, sessionID, func(s *stageState) error {
			return ErrStagePrecondition // replay without a completion
		})

	case models.EventSessionEnded:
		return CloseSession(q, sessionID, at)
	}

	return fmt.Errorf("unknown stage %q", stage)
}

// CloseSession sets endedAt, derives durationSeconds and marks the session
// terminal. The staleness sweeper closes idle sessions through this same
// path; it is the only way a session ends without an explicit end event.
func CloseSession(q models.DBTX, sessionID string, at time.Time) error {
	at = at.UTC()

	var startedAt time.Time
	var markerDetectedAt, videoStartedAt sql.NullTime
	var terminal int
	err := q.QueryRow(
		`SELECT started_at, marker_detected_at, video_started_at, terminal FROM sessions WHERE id = ?`, sessionID,
	).Scan(&startedAt, &markerDetectedAt, &videoStartedAt, &terminal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnknownSession
		}
		return fmt.Errorf("load session: %w", err)
	}
	if terminal == 1 {
		return ErrTerminalSession
	}
	// endedAt may never precede any recorded stage.
	if at.Before(startedAt) ||
		(markerDetectedAt.Valid && at.Before(markerDetectedAt.Time)) ||
		(videoStartedAt.Valid && at.Before(videoStartedAt.Time)) {
		return ErrStaleTimestamp
	}

	duration := int64(at.Sub(startedAt) / time.Second)
	res, err := q.Exec(
		`UPDATE sessions SET ended_at = ?, duration_seconds = ?, terminal = 1, `+touchSQL+`
		 WHERE id = ? AND terminal = 0`,
		at, duration, at, at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A concurrent close won the race.
		return ErrTerminalSession
	}
	return nil
}

func touch(q models.DBTX, sessionID string, at time.Time) error {
	res, err := q.Exec(
		`UPDATE sessions SET `+touchSQL+` WHERE id = ? AND terminal = 0`,
		at, at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return diagnose(q, res, sessionID, nil)
}

// stageState is the snapshot read when a conditional stage update matched no
// row, to tell apart unknown / terminal / duplicate / stale outcomes.
type stageState struct {
	terminal         int
	startedAt        time.Time
	markerDetectedAt sql.NullTime
	videoStartedAt   sql.NullTime
	videoCompleted   int
}

// diagnose inspects the session after a zero-row conditional update. The
// common causes (unknown session, terminal session) are shared; onOpen
// resolves the stage-specific ones.
func diagnose(q models.DBTX, res sql.Result, sessionID string, onOpen func(*stageState) error) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var s stageState
	err := q.QueryRow(
		`SELECT terminal, started_at, marker_detected_at, video_started_at, video_completed FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&s.terminal, &s.startedAt, &s.markerDetectedAt, &s.videoStartedAt, &s.videoCompleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnknownSession
		}
		return fmt.Errorf("diagnose stage update: %w", err)
	}
	if s.terminal == 1 {
		return ErrTerminalSession
	}
	if onOpen == nil {
		return nil
	}
	return onOpen(&s)
}
