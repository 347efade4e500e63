package models

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// The catalog tables (projects, markers, videos) back the asset bundle a link
// resolves to. Upload, transcoding and marker generation happen elsewhere;
// this side only reads identifiers and playback metadata.

type Project struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     LifecycleStatus `json:"status"`
	TotalViews int64           `json:"total_views"`
	ArchivedAt *time.Time      `json:"archived_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Marker struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	VideoID         string    `json:"video_id,omitempty"`
	MarkerURL       string    `json:"marker_url"`
	TrackingQuality string    `json:"tracking_quality,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Video struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Name            string    `json:"name"`
	FileURL         string    `json:"file_url"`
	PosterURL       string    `json:"poster_url,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Autoplay        bool      `json:"autoplay"`
	Loop            bool      `json:"loop"`
	CreatedAt       time.Time `json:"created_at"`
}

func CreateProject(db *sql.DB, p *Project) error {
	_, err := db.Exec(`INSERT INTO projects (id, name) VALUES (?, ?)`, p.ID, p.Name)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	got, err := GetProject(db, p.ID)
	if err != nil {
		return err
	}
	*p = *got
	return nil
}

func GetProject(db *sql.DB, id string) (*Project, error) {
	var p Project
	var status string
	var archivedAt sql.NullTime
	err := db.QueryRow(
		`SELECT id, name, status, total_views, archived_at, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &status, &p.TotalViews, &archivedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Status = LifecycleStatus(status)
	if archivedAt.Valid {
		t := archivedAt.Time
		p.ArchivedAt = &t
	}
	return &p, nil
}

func ArchiveProject(db *sql.DB, id string, now time.Time) error {
	res, err := db.Exec(
		`UPDATE projects SET status = 'archived', archived_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'active'`,
		now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("archive project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func CreateVideo(db *sql.DB, v *Video) error {
	_, err := db.Exec(
		`INSERT INTO videos (id, project_id, name, file_url, poster_url, duration_seconds, autoplay, loop) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ProjectID, v.Name, v.FileURL, v.PosterURL, nullFloat(v.DurationSeconds), boolToInt(v.Autoplay), boolToInt(v.Loop),
	)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func CreateMarker(db *sql.DB, m *Marker) error {
	var videoID any
	if m.VideoID != "" {
		videoID = m.VideoID
	}
	_, err := db.Exec(
		`INSERT INTO markers (id, project_id, video_id, marker_url, tracking_quality) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, videoID, m.MarkerURL, m.TrackingQuality,
	)
	if err != nil {
		return fmt.Errorf("insert marker: %w", err)
	}
	return nil
}

// AssetBundle is what a resolved link hands the AR player: the marker to
// track and the video to overlay on it.
type AssetBundle struct {
	Marker Marker `json:"marker"`
	Video  *Video `json:"video,omitempty"`
}

// GetAssetBundle loads a marker and its attached video in one explicit join.
func GetAssetBundle(db *sql.DB, markerID string) (*AssetBundle, error) {
	var b AssetBundle
	var videoID sql.NullString
	var vProjectID, vName, vFileURL, vPosterURL sql.NullString
	var vDuration sql.NullFloat64
	var vAutoplay, vLoop sql.NullInt64
	var vCreatedAt sql.NullTime

	err := db.QueryRow(
		`SELECT m.id, m.project_id, m.video_id, m.marker_url, m.tracking_quality, m.created_at,
		        v.project_id, v.name, v.file_url, v.poster_url, v.duration_seconds, v.autoplay, v.loop, v.created_at
		 FROM markers m
		 LEFT JOIN videos v ON v.id = m.video_id
		 WHERE m.id = ?`, markerID,
	).Scan(
		&b.Marker.ID, &b.Marker.ProjectID, &videoID, &b.Marker.MarkerURL, &b.Marker.TrackingQuality, &b.Marker.CreatedAt,
		&vProjectID, &vName, &vFileURL, &vPosterURL, &vDuration, &vAutoplay, &vLoop, &vCreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan asset bundle: %w", err)
	}

	if videoID.Valid {
		v := Video{
			ID:        videoID.String,
			ProjectID: vProjectID.String,
			Name:      vName.String,
			FileURL:   vFileURL.String,
			PosterURL: vPosterURL.String,
			Autoplay:  vAutoplay.Int64 == 1,
			Loop:      vLoop.Int64 == 1,
			CreatedAt: vCreatedAt.Time,
		}
		if vDuration.Valid {
			d := vDuration.Float64
			v.DurationSeconds = &d
		}
		b.Marker.VideoID = videoID.String
		b.Video = &v
	}
	return &b, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
