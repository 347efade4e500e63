package db

import "database/sql"

func Migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived', 'deleted')),
    total_views  INTEGER NOT NULL DEFAULT 0,
    archived_at  DATETIME,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS videos (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL REFERENCES projects(id),
    name             TEXT NOT NULL DEFAULT '',
    file_url         TEXT NOT NULL,
    poster_url       TEXT NOT NULL DEFAULT '',
    duration_seconds REAL,
    autoplay         INTEGER NOT NULL DEFAULT 1,
    loop             INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS markers (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL REFERENCES projects(id),
    video_id         TEXT REFERENCES videos(id),
    marker_url       TEXT NOT NULL,
    tracking_quality TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS links (
    id            TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL REFERENCES projects(id),
    marker_id     TEXT NOT NULL REFERENCES markers(id),
    destination   TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived', 'deleted')),
    password_hash TEXT NOT NULL DEFAULT '',
    expires_at    DATETIME,
    max_views     INTEGER,
    current_views INTEGER NOT NULL DEFAULT 0,
    archived_at   DATETIME,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_links_project ON links(project_id);

CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT PRIMARY KEY,
    link_id            TEXT NOT NULL REFERENCES links(id),
    fingerprint        TEXT NOT NULL DEFAULT '',
    ip                 TEXT NOT NULL DEFAULT '',
    user_agent         TEXT NOT NULL DEFAULT '',
    browser            TEXT NOT NULL DEFAULT '',
    os                 TEXT NOT NULL DEFAULT '',
    device_type        TEXT NOT NULL DEFAULT '',
    country            TEXT NOT NULL DEFAULT '',
    city               TEXT NOT NULL DEFAULT '',
    started_at         DATETIME NOT NULL,
    last_event_at      DATETIME NOT NULL,
    marker_detected_at DATETIME,
    video_started_at   DATETIME,
    ended_at           DATETIME,
    duration_seconds   INTEGER,
    video_completed    INTEGER NOT NULL DEFAULT 0,
    terminal           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_link_started ON sessions(link_id, started_at);
CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(last_event_at) WHERE terminal = 0;

CREATE TABLE IF NOT EXISTS analytics_events (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    kind        TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '',
    recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON analytics_events(session_id);

CREATE TABLE IF NOT EXISTS daily_aggregates (
    link_id          TEXT NOT NULL REFERENCES links(id),
    day              TEXT NOT NULL,
    session_count    INTEGER NOT NULL DEFAULT 0,
    completion_count INTEGER NOT NULL DEFAULT 0,
    avg_duration     REAL,
    median_duration  REAL,
    view_started     INTEGER NOT NULL DEFAULT 0,
    marker_detected  INTEGER NOT NULL DEFAULT 0,
    video_started    INTEGER NOT NULL DEFAULT 0,
    video_paused     INTEGER NOT NULL DEFAULT 0,
    video_completed  INTEGER NOT NULL DEFAULT 0,
    video_replayed   INTEGER NOT NULL DEFAULT 0,
    session_ended    INTEGER NOT NULL DEFAULT 0,
    computed_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (link_id, day)
);
`
