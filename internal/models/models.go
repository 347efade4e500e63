package models

import "database/sql"

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx. Write
// paths that must commit together (event append + session update) run against
// a *sql.Tx; everything else takes the *sql.DB directly.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
