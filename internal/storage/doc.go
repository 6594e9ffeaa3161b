// Package storage archives published notification events.
//
// Two drivers are available behind Open:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package storage
