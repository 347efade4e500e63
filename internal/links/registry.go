// Package links resolves short link ids to authorized asset bundles and owns
// the view counter.
package links

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/arloop/arlink/internal/cache"
	"github.com/arloop/arlink/internal/models"
)

// Authorization rejections. Expected outcomes, surfaced to the visitor,
// never logged as failures.
var (
	ErrLinkNotFound     = errors.New("link not found")
	ErrLinkInactive     = errors.New("link inactive")
	ErrLinkExpired      = errors.New("link expired")
	ErrLinkExhausted    = errors.New("link exhausted")
	ErrPasswordRequired = errors.New("link password required")
	ErrPasswordInvalid  = errors.New("link password invalid")
)

// Resolution is the accepting outcome of Resolve: the link plus the marker
// and video the AR player needs.
type Resolution struct {
	Link   *models.Link  `json:"link"`
	Marker models.Marker `json:"marker"`
	Video  *models.Video `json:"video,omitempty"`
}

type Registry struct {
	db    *sql.DB
	cache *cache.LinkCache
}

func NewRegistry(db *sql.DB, linkCache *cache.LinkCache) *Registry {
	return &Registry{db: db, cache: linkCache}
}

// Resolve authorizes access to a link. Checks run in a fixed order, first
// match wins: existence, lifecycle status, expiry, password, exhaustion.
// Resolving has no side effects; repeated pre-flight checks do not inflate
// the view counter, which is bumped only by an explicit RegisterView call.
func (r *Registry) Resolve(linkID, password string) (*Resolution, error) {
	link, found := r.cache.Get(linkID)
	if !found {
		var err error
		link, err = models.GetLink(r.db, linkID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrLinkNotFound
			}
			return nil, fmt.Errorf("load link: %w", err)
		}
		r.cache.Set(linkID, link)
	}

	if link.Status != models.StatusActive {
		return nil, ErrLinkInactive
	}
	if link.Expired(time.Now().UTC()) {
		return nil, ErrLinkExpired
	}
	if link.HasPassword() {
		if password == "" {
			return nil, ErrPasswordRequired
		}
		// bcrypt's comparison is constant-time on the hash.
		if bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)) != nil {
			return nil, ErrPasswordInvalid
		}
	}
	if link.Exhausted() {
		return nil, ErrLinkExhausted
	}

	bundle, err := models.GetAssetBundle(r.db, link.MarkerID)
	if err != nil {
		return nil, fmt.Errorf("load asset bundle: %w", err)
	}

	return &Resolution{Link: link, Marker: bundle.Marker, Video: bundle.Video}, nil
}

// RegisterView atomically increments the link's view counter, returning the
// new count or ErrLinkExhausted / ErrLinkNotFound. The increment is a single
// conditional UPDATE in the store; under concurrent callers on the last
// remaining slot exactly one succeeds.
func (r *Registry) RegisterView(linkID string) (int64, error) {
	count, err := models.IncrementViews(r.db, linkID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrLinkNotFound
		}
		if errors.Is(err, models.ErrViewsExhausted) {
			// Drop the cached copy so the next Resolve sees the final count
			// and starts rejecting with EXHAUSTED.
			r.cache.Invalidate(linkID)
			return 0, ErrLinkExhausted
		}
		return 0, err
	}

	// Cached links carry a stale count until evicted. That only ever
	// under-reports, so Resolve can at worst accept a visit the counter then
	// rejects; it can never over-count. Evict as the ceiling approaches.
	if link, ok := r.cache.Get(linkID); ok && link.MaxViews != nil && count >= *link.MaxViews {
		r.cache.Invalidate(linkID)
	}

	return count, nil
}

// Invalidate drops a link from the resolve cache. Owner mutations call this
// so visitors observe status changes promptly.
func (r *Registry) Invalidate(linkID string) {
	r.cache.Invalidate(linkID)
}
