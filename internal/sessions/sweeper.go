package sessions

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arloop/arlink/internal/models"
)

// Sweeper force-closes sessions that stopped sending events: a visitor who
// walked away never sends SESSION_ENDED. It runs in the background and closes
// stale sessions through the normal Close path, stamped with their last
// activity time so durations reflect what actually happened.
type Sweeper struct {
	db         *sql.DB
	ledger     *Ledger
	idleWindow time.Duration
	stop       chan struct{}
	done       chan struct{}
}

const sweepBatchSize = 500

// NewSweeper starts the background sweep loop.
func NewSweeper(db *sql.DB, ledger *Ledger, idleWindow, interval time.Duration) *Sweeper {
	s := &Sweeper{
		db:         db,
		ledger:     ledger,
		idleWindow: idleWindow,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run(interval)
	return s
}

// Shutdown stops the sweep loop and waits for it to finish.
func (s *Sweeper) Shutdown() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := s.SweepOnce(time.Now()); err != nil {
				log.Error().Err(err).Msg("session sweep failed")
			} else if n > 0 {
				log.Info().Int("closed", n).Msg("swept stale sessions")
			}
		case <-s.stop:
			return
		}
	}
}

// SweepOnce closes every open session idle past the window and returns how
// many it closed. Safe to call concurrently with live ingestion: a session
// that receives an event between the listing and the close simply loses the
// race inside Close and is skipped.
func (s *Sweeper) SweepOnce(now time.Time) (int, error) {
	cutoff := now.UTC().Add(-s.idleWindow)
	stale, err := models.ListStaleSessions(s.db, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, sess := range stale {
		err := s.ledger.Close(sess.ID, sess.LastEventAt)
		if err != nil {
			if errors.Is(err, ErrTerminalSession) || errors.Is(err, ErrStaleTimestamp) {
				continue
			}
			return closed, err
		}
		closed++
	}
	return closed, nil
}
