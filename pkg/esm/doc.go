// Package esm manages enforced state: the persisted snapshot of every
// resource a run has converged. A Manager brackets each run between
// Enter and Exit, holding the scope's exclusive lock in between, and
// carries the administrative surface behind halite esm. Backends store
// one scope of state as a tag to resource-state map: local JSON files,
// the SQLite store, PostgreSQL and S3 compatible object stores.
package esm
