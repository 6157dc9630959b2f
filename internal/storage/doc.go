// Package storage archives retired jobs for operators.
//
// It is an audit trail only: nothing reads it back to resubmit work.
// Drivers:
//   - file: append-only JSON Lines
//   - sqlite: a single table in a SQLite database (modernc.org/sqlite, no cgo)
package storage
