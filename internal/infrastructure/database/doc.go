// Package database opens and migrates the bridge's SQLite store.
//
// The store backs endpoint history persistence and is optional: the
// bridge runs without it when no database path is configured. SQLite
// is opened with a single writer connection and WAL mode, which
// matches its locking model and keeps the history writer from
// fighting the API readers.
//
// Migrations are embedded SQL files named
// YYYYMMDD_HHMMSS_description.up.sql (with a matching .down.sql for
// rollback) and are applied in version order, each in its own
// transaction. The migrations package at the repository root wires
// the embedded files in via MigrationsFS.
package database
