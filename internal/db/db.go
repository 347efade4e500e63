package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the sqlite database at path, applies the
// connection pragmas and runs migrations. Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-20000", // 20MB
	}
	for _, p := range pragmas {
		if _, err := database.Exec(p); err != nil {
			database.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	// SQLite allows one writer at a time; a single connection keeps the
	// conditional view-counter and session-stage updates serialized in the
	// store itself rather than in process memory.
	database.SetMaxOpenConns(1)

	if err := Migrate(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return database, nil
}
