// Package stores persists runs and enforced state to SQLite. It backs
// the run archive behind cross-process status history and the sqlite
// enforced state backend, using WAL mode, connection pooling, advisory
// lock rows and embedded migrations.
package stores
