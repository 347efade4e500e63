// Package ingest validates and appends analytics events. The event log is
// the source of truth; the session ledger is a projection updated in the
// same transaction as the append.
package ingest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/sessions"
)

// DefaultMaxMetadataBytes bounds the opaque metadata blob on an event.
const DefaultMaxMetadataBytes = 16 * 1024

var (
	// ErrInvalidKind is returned for an event kind outside the closed funnel
	// enumeration.
	ErrInvalidKind = errors.New("invalid event kind")
	// ErrMetadataTooLarge is returned when metadata exceeds the size ceiling.
	ErrMetadataTooLarge = errors.New("event metadata too large")
	// ErrMetadataMalformed is returned when metadata is not a JSON value.
	ErrMetadataMalformed = errors.New("event metadata malformed")
)

type Ingestor struct {
	db               *sql.DB
	maxMetadataBytes int
}

func New(db *sql.DB, maxMetadataBytes int) *Ingestor {
	if maxMetadataBytes <= 0 {
		maxMetadataBytes = DefaultMaxMetadataBytes
	}
	return &Ingestor{db: db, maxMetadataBytes: maxMetadataBytes}
}

// Result reports what one ingested event did to the ledger.
type Result struct {
	Event *models.AnalyticsEvent
	// Applied is false when the event was logged but left the ledger
	// untouched: a stale timestamp or a stage whose precondition is unmet.
	// Duplicates of a first-occurrence stage are idempotent no-ops and
	// report true. Clients retransmit and race; none of these is an error.
	Applied bool
}

// Ingest validates the event, applies its funnel stage to the session ledger
// and appends it to the log, committing both as one unit. The timestamp `at`
// is server-assigned by the caller (zero means now).
//
// Validation failures (unknown session, bad kind, oversized or malformed
// metadata) reject the event outright. A terminal session rejects everything,
// including a second SESSION_ENDED. Ordering conflicts inside an open session
// are soft: the raw event is appended anyway and Applied is false.
func (i *Ingestor) Ingest(sessionID string, kind models.EventKind, metadata json.RawMessage, at time.Time) (*Result, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if len(metadata) > i.maxMetadataBytes {
		return nil, ErrMetadataTooLarge
	}
	if len(metadata) > 0 && !json.Valid(metadata) {
		return nil, ErrMetadataMalformed
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	tx, err := i.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	applied := true
	switch err := sessions.ApplyStage(tx, sessionID, kind, at); {
	case err == nil:
	case errors.Is(err, sessions.ErrUnknownSession), errors.Is(err, sessions.ErrTerminalSession):
		return nil, err
	case errors.Is(err, sessions.ErrStaleTimestamp), errors.Is(err, sessions.ErrStagePrecondition):
		// Soft conflict: keep the raw event, skip the ledger change.
		applied = false
	default:
		return nil, err
	}

	event := &models.AnalyticsEvent{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Kind:       kind,
		Metadata:   string(metadata),
		RecordedAt: at,
	}
	if err := models.InsertEvent(tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if !applied {
		log.Debug().Str("session", sessionID).Str("kind", string(kind)).Msg("event logged without ledger change")
	}
	return &Result{Event: event, Applied: applied}, nil
}
