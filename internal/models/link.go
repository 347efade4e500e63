package models

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LifecycleStatus is the explicit lifecycle of owner-managed entities.
// Archival/deletion timestamps are kept as audit attributes only; status is
// the authoritative signal.
type LifecycleStatus string

const (
	StatusActive   LifecycleStatus = "active"
	StatusArchived LifecycleStatus = "archived"
	StatusDeleted  LifecycleStatus = "deleted"
)

// ErrViewsExhausted is returned by IncrementViews once a link has reached its
// configured view ceiling.
var ErrViewsExhausted = errors.New("link view ceiling reached")

type Link struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	MarkerID     string          `json:"marker_id"`
	Destination  string          `json:"destination"`
	Status       LifecycleStatus `json:"status"`
	PasswordHash string          `json:"-"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	MaxViews     *int64          `json:"max_views,omitempty"`
	CurrentViews int64           `json:"current_views"`
	ArchivedAt   *time.Time      `json:"archived_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// HasPassword reports whether visitors must supply a secret to resolve the link.
func (l *Link) HasPassword() bool {
	return l.PasswordHash != ""
}

// Expired reports whether the link's expiry (if set) is in the past.
func (l *Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Exhausted reports whether the view ceiling (if set) has been reached.
func (l *Link) Exhausted() bool {
	return l.MaxViews != nil && l.CurrentViews >= *l.MaxViews
}

const linkColumns = `id, project_id, marker_id, destination, status, password_hash, expires_at, max_views, current_views, archived_at, created_at, updated_at`

func CreateLink(db *sql.DB, l *Link) error {
	_, err := db.Exec(
		`INSERT INTO links (id, project_id, marker_id, destination, status, password_hash, expires_at, max_views) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ProjectID, l.MarkerID, l.Destination, string(StatusActive), l.PasswordHash, nullTime(l.ExpiresAt), nullInt(l.MaxViews),
	)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}

	// Re-read to get defaults and timestamps
	got, err := GetLink(db, l.ID)
	if err != nil {
		return err
	}
	*l = *got
	return nil
}

func GetLink(db DBTX, id string) (*Link, error) {
	row := db.QueryRow(`SELECT `+linkColumns+` FROM links WHERE id = ?`, id)
	return scanLink(row)
}

func ListLinks(db *sql.DB, projectID string, limit, offset int) ([]Link, int, error) {
	where := `status != 'deleted'`
	var args []any
	if projectID != "" {
		where += ` AND project_id = ?`
		args = append(args, projectID)
	}

	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM links WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count links: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.Query(`SELECT `+linkColumns+` FROM links WHERE `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		l, err := scanLinkRows(rows)
		if err != nil {
			return nil, 0, err
		}
		links = append(links, *l)
	}
	return links, total, rows.Err()
}

func UpdateLink(db *sql.DB, l *Link) error {
	res, err := db.Exec(
		`UPDATE links SET destination = ?, password_hash = ?, expires_at = ?, max_views = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status != 'deleted'`,
		l.Destination, l.PasswordHash, nullTime(l.ExpiresAt), nullInt(l.MaxViews), string(l.Status), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	got, err := GetLink(db, l.ID)
	if err != nil {
		return err
	}
	*l = *got
	return nil
}

// ArchiveLink moves a link to the archived state. Sessions keep referencing
// it; links are never hard-deleted while sessions exist.
func ArchiveLink(db *sql.DB, id string, now time.Time) error {
	res, err := db.Exec(
		`UPDATE links SET status = 'archived', archived_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'active'`,
		now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("archive link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IncrementViews bumps a link's view counter and the owning project's total,
// as one transaction. The increment is a single conditional UPDATE so that
// concurrent callers racing on the last remaining slot cannot both succeed:
// the store, not the process, arbitrates. Returns the new count, or
// ErrViewsExhausted once the ceiling is reached. The counter never decrements.
func IncrementViews(db *sql.DB, id string) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE links SET current_views = current_views + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND (max_views IS NULL OR current_views < max_views)`,
		id,
	)
	if err != nil {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the link does not exist or the ceiling is reached.
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM links WHERE id = ?`, id).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check link: %w", err)
		}
		if exists == 0 {
			return 0, sql.ErrNoRows
		}
		return 0, ErrViewsExhausted
	}

	if _, err := tx.Exec(
		`UPDATE projects SET total_views = total_views + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = (SELECT project_id FROM links WHERE id = ?)`,
		id,
	); err != nil {
		return 0, fmt.Errorf("increment project views: %w", err)
	}

	var count int64
	if err := tx.QueryRow(`SELECT current_views FROM links WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read view count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

type linkScanner interface {
	Scan(dest ...any) error
}

func scanLink(row *sql.Row) (*Link, error) {
	return scanLinkFrom(row)
}

func scanLinkRows(rows *sql.Rows) (*Link, error) {
	return scanLinkFrom(rows)
}

func scanLinkFrom(s linkScanner) (*Link, error) {
	var l Link
	var status string
	var expiresAt, archivedAt sql.NullTime
	var maxViews sql.NullInt64
	if err := s.Scan(
		&l.ID, &l.ProjectID, &l.MarkerID, &l.Destination, &status, &l.PasswordHash,
		&expiresAt, &maxViews, &l.CurrentViews, &archivedAt, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan link: %w", err)
	}
	l.Status = LifecycleStatus(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		l.ExpiresAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		l.ArchivedAt = &t
	}
	if maxViews.Valid {
		v := maxViews.Int64
		l.MaxViews = &v
	}
	return &l, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
