// Package storage persists the account's rooms, contacts and received
// messages, keyed by the owning account id.
//
// Drivers:
//   - "memory": process-local, lost on restart
//   - "file": in-memory tables backed by a JSON Lines journal and snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
